package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
	"github.com/wangkuiyi/gotorch/vision/imageloader"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"

	"github.com/alexeylabs/hiddenorig/config"
	"github.com/alexeylabs/hiddenorig/ml"
	"github.com/alexeylabs/hiddenorig/util"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s train|validate|probe [flags]\n", os.Args[0])
		os.Exit(1)
	}
	cmd := os.Args[1]
	util.InitLogger(cmd)

	switch cmd {
	case "train":
		runTrain(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "trainer config file")
	resume := fs.String("resume", "", "checkpoint to resume from")
	fs.Parse(args)

	cfg, trainer := setup(*configPath)
	if *resume != "" {
		if err := ml.LoadCheckpoint(trainer, *resume); err != nil {
			log.Fatal().Err(err).Str("path", *resume).Msg("failed to resume")
		}
		log.Info().Str("path", *resume).Msg("resumed from checkpoint")
	}
	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create checkpoint dir")
	}
	defer torch.FinishGC()

	device := trainer.Device()
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		loader := newLoader(cfg.TrainData, cfg)
		batches := 0
		last := ml.LossSet{}
		for loader.Scan() {
			data, _ := loader.Minibatch()
			images := data.To(device, data.Dtype())
			n := images.Shape()[0]
			messages := ml.RandomMessages(n, cfg.MessageLength, device)

			losses, _, err := trainer.TrainOnBatch(images, messages)
			if err != nil {
				log.Fatal().Err(err).Int("epoch", epoch).Msg("batch failed")
			}
			last = losses
			batches++
		}
		logLosses(log.Info().Int("epoch", epoch).Int("batches", batches), last).Msg("train epoch")

		if cfg.ValData != "" {
			means := validateEpoch(trainer, cfg)
			logLosses(log.Info().Int("epoch", epoch), means).Msg("validation")
		}
		path := filepath.Join(cfg.CheckpointDir, fmt.Sprintf("epoch-%d.gob", epoch))
		if err := ml.SaveCheckpoint(trainer, path); err != nil {
			log.Fatal().Err(err).Msg("failed to save checkpoint")
		}
		log.Info().Str("path", path).Msg("saved checkpoint")
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "trainer config file")
	checkpoint := fs.String("checkpoint", "", "checkpoint to evaluate")
	fs.Parse(args)

	cfg, trainer := setup(*configPath)
	if *checkpoint != "" {
		if err := ml.LoadCheckpoint(trainer, *checkpoint); err != nil {
			log.Fatal().Err(err).Str("path", *checkpoint).Msg("failed to load checkpoint")
		}
	}
	defer torch.FinishGC()

	means := validateEpoch(trainer, cfg)
	logLosses(log.Info(), means).Msg("validation")
}

// runProbe watermarks a single image from disk with a random message and
// reports how well the message survives the round trip. With -out the
// encoded, noised and decoded tensors are written alongside the message
// for offline inspection via ml.LoadEmbedding.
func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "trainer config file")
	checkpoint := fs.String("checkpoint", "", "checkpoint to evaluate")
	imagePath := fs.String("image", "", "image to watermark")
	outPath := fs.String("out", "", "file to write the watermarked tensors to")
	fs.Parse(args)

	cfg, trainer := setup(*configPath)
	if *checkpoint != "" {
		if err := ml.LoadCheckpoint(trainer, *checkpoint); err != nil {
			log.Fatal().Err(err).Str("path", *checkpoint).Msg("failed to load checkpoint")
		}
	}
	defer torch.FinishGC()

	img := gocv.IMRead(*imagePath, gocv.IMReadColor)
	if img.Empty() {
		log.Fatal().Str("path", *imagePath).Msg("cannot read image")
	}
	gocv.Resize(img, &img, image.Pt(int(cfg.ImageSize), int(cfg.ImageSize)), 0, 0, gocv.InterpolationLinear)
	t := transforms.ToTensor().Run(img)
	t = transforms.Normalize(channelStats(cfg), channelStats(cfg)).Run(t)
	device := trainer.Device()
	images := t.View(1, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize).To(device, torch.Float)
	messages := ml.RandomMessages(1, cfg.MessageLength, device)

	losses, out, err := trainer.ValidateOnBatch(images, messages)
	if err != nil {
		log.Fatal().Err(err).Msg("probe failed")
	}
	if *outPath != "" {
		embedding := ml.Embedding{Encoded: out.Encoded, Noised: out.Noised, Decoded: out.Decoded, Messages: messages}
		if err := ml.SaveEmbedding(embedding, *outPath); err != nil {
			log.Fatal().Err(err).Str("path", *outPath).Msg("failed to write embedding")
		}
		log.Info().Str("path", *outPath).Msg("wrote embedding")
	}
	log.Info().Str("model", trainer.String()).Msg("probed model")
	logLosses(log.Info().Str("image", *imagePath), losses).Msg("probe")
}

func setup(configPath string) (config.Config, *ml.Watermarker) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	log.Info().Str("path", configPath).Msg("loaded config")
	initializer.ManualSeed(cfg.Seed)

	trainer, err := ml.NewWatermarker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build trainer")
	}
	log.Info().Str("model", trainer.String()).Str("device", cfg.Device).Msg("built trainer")
	return cfg, trainer
}

func validateEpoch(trainer *ml.Watermarker, cfg config.Config) ml.LossSet {
	device := trainer.Device()
	loader := newLoader(cfg.ValData, cfg)
	sums := ml.LossSet{}
	batches := 0
	for loader.Scan() {
		data, _ := loader.Minibatch()
		images := data.To(device, data.Dtype())
		n := images.Shape()[0]
		messages := ml.RandomMessages(n, cfg.MessageLength, device)

		losses, _, err := trainer.ValidateOnBatch(images, messages)
		if err != nil {
			log.Fatal().Err(err).Msg("validation batch failed")
		}
		for _, name := range ml.LossNames() {
			sums[name] += losses[name]
		}
		batches++
	}
	means := ml.LossSet{}
	for _, name := range ml.LossNames() {
		if batches > 0 {
			means[name] = sums[name] / float64(batches)
		}
	}
	return means
}

// newLoader streams image batches from a tgz dataset; labels inside the
// archive are ignored, messages are generated per batch instead.
func newLoader(path string, cfg config.Config) *imageloader.ImageLoader {
	vocab, err := imageloader.BuildLabelVocabularyFromTgz(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("cannot index dataset")
	}
	trans := transforms.Compose(transforms.ToTensor(), transforms.Normalize(channelStats(cfg), channelStats(cfg)))
	loader, err := imageloader.New(path, vocab, trans, cfg.BatchSize, cfg.BatchSize,
		cfg.Seed, torch.IsCUDAAvailable(), "rgb")
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("cannot open dataset")
	}
	return loader
}

func channelStats(cfg config.Config) []float32 {
	stats := make([]float32, cfg.ImageChannels)
	for i := range stats {
		stats[i] = 0.5
	}
	return stats
}

func logLosses(ev *zerolog.Event, losses ml.LossSet) *zerolog.Event {
	for _, name := range ml.LossNames() {
		ev = ev.Float64(name, losses[name])
	}
	return ev
}
