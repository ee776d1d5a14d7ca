// Package config loads the trainer configuration from a TOML file.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/alexeylabs/hiddenorig/noise"
)

// ErrConfiguration marks a missing or malformed configuration key. It is
// fatal: the trainer refuses to construct on top of a partial configuration.
var ErrConfiguration = errors.New("invalid configuration")

// Config carries everything the trainer and the driver need for one run.
type Config struct {
	Device         string `toml:"device"`
	NetworkVariant string `toml:"network_variant"`
	MessageLength  int64  `toml:"message_length"`
	ImageSize      int64  `toml:"image_size"`
	ImageChannels  int64  `toml:"image_channels"`

	EncoderBlocks   int64 `toml:"encoder_blocks"`
	EncoderChannels int64 `toml:"encoder_channels"`

	DecoderBlocks    int64  `toml:"decoder_blocks"`
	DecoderChannels  int64  `toml:"decoder_channels"`
	DecoderBlockType string `toml:"decoder_block_type"`

	DiscriminatorChannels int64 `toml:"discriminator_channels"`
	DiscriminatorBlocks   int64 `toml:"discriminator_blocks"`

	AdvLossWeight float64 `toml:"adv_loss_weight"`
	EncLossWeight float64 `toml:"enc_loss_weight"`
	DecLossWeight float64 `toml:"dec_loss_weight"`

	Noise noise.Config `toml:"noise"`

	TrainData     string `toml:"train_data"`
	ValData       string `toml:"val_data"`
	Epochs        int    `toml:"epochs"`
	BatchSize     int    `toml:"batch_size"`
	Seed          int64  `toml:"seed"`
	CheckpointDir string `toml:"checkpoint_dir"`
}

// requiredKeys must be present in the file; everything else has a usable
// default. adv/enc loss weights are deliberately required so a run can
// never silently train with an unweighted objective.
var requiredKeys = []string{
	"device",
	"message_length",
	"image_size",
	"encoder_blocks",
	"decoder_blocks",
	"decoder_channels",
	"discriminator_channels",
	"discriminator_blocks",
	"adv_loss_weight",
	"enc_loss_weight",
}

// Default returns the configuration defaults applied before decoding.
func Default() Config {
	return Config{
		NetworkVariant:   "conv",
		ImageChannels:    3,
		EncoderChannels:  64,
		DecoderBlockType: "conv",
		DecLossWeight:    1,
		Noise:            noise.Config{Kind: noise.KindIdentity},
		Epochs:           100,
		BatchSize:        32,
		Seed:             1,
		CheckpointDir:    "checkpoints",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(ErrConfiguration, "load %s: %v", path, err)
	}
	for _, key := range requiredKeys {
		if !meta.IsDefined(key) {
			return Config{}, errors.Wrapf(ErrConfiguration, "missing required key %q", key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that Load cannot default away. It is also the
// entry point for configurations constructed in code rather than from a file.
func (c Config) Validate() error {
	if c.Device == "" {
		return errors.Wrap(ErrConfiguration, "empty device")
	}
	if c.MessageLength <= 0 {
		return errors.Wrapf(ErrConfiguration, "message_length %d", c.MessageLength)
	}
	if c.ImageSize <= 0 || c.ImageChannels <= 0 {
		return errors.Wrapf(ErrConfiguration, "image %dx%d channels %d", c.ImageSize, c.ImageSize, c.ImageChannels)
	}
	if c.EncoderBlocks <= 0 || c.EncoderChannels <= 0 {
		return errors.Wrapf(ErrConfiguration, "encoder blocks %d channels %d", c.EncoderBlocks, c.EncoderChannels)
	}
	if c.DecoderBlocks <= 0 || c.DecoderChannels <= 0 {
		return errors.Wrapf(ErrConfiguration, "decoder blocks %d channels %d", c.DecoderBlocks, c.DecoderChannels)
	}
	if c.DiscriminatorBlocks <= 0 || c.DiscriminatorChannels <= 0 {
		return errors.Wrapf(ErrConfiguration, "discriminator blocks %d channels %d", c.DiscriminatorBlocks, c.DiscriminatorChannels)
	}
	switch c.NetworkVariant {
	case "conv", "residual":
	default:
		return errors.Wrapf(ErrConfiguration, "unknown network_variant %q", c.NetworkVariant)
	}
	switch c.DecoderBlockType {
	case "conv", "residual":
	default:
		return errors.Wrapf(ErrConfiguration, "unknown decoder_block_type %q", c.DecoderBlockType)
	}
	return nil
}
