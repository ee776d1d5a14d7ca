package ml

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"

	"github.com/alexeylabs/hiddenorig/config"
	"github.com/alexeylabs/hiddenorig/noise"
)

// EncoderDecoder composes encode -> noise -> decode and owns the noise
// layer. One forward pass yields the encoded image, its noised counterpart,
// and the decoded message.
type EncoderDecoder struct {
	nn.Module
	Encoder *Encoder
	Noiser  *noise.Noiser
	Decoder *Decoder

	MessageLength int64
}

func NewEncoderDecoder(cfg config.Config, noiser *noise.Noiser) *EncoderDecoder {
	ed := &EncoderDecoder{
		Encoder: NewEncoder(cfg.ImageSize, cfg.ImageChannels, cfg.MessageLength,
			cfg.EncoderBlocks, cfg.EncoderChannels, cfg.NetworkVariant),
		Noiser: noiser,
		Decoder: NewDecoder(cfg.ImageSize, cfg.ImageChannels, cfg.MessageLength,
			cfg.DecoderBlocks, cfg.DecoderChannels, cfg.DecoderBlockType),
		MessageLength: cfg.MessageLength,
	}
	ed.Init(ed)
	return ed
}

func (ed *EncoderDecoder) Forward(images, messages torch.Tensor) (encoded, noised, decoded torch.Tensor) {
	encoded = ed.Encoder.Forward(images, messages)
	noised = ed.Noiser.Forward(encoded)
	decoded = ed.Decoder.Forward(noised)
	return encoded, noised, decoded
}

func (ed *EncoderDecoder) String() string {
	return fmt.Sprintf("encoder-decoder[message=%d %v noise=%v %v]",
		ed.MessageLength, ed.Encoder, ed.Noiser, ed.Decoder)
}
