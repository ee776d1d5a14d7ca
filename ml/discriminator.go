package ml

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// Discriminator scores how much an image looks like an unmodified cover.
// The score is a pre-activation logit; callers apply the sigmoid.
type Discriminator struct {
	nn.Module
	Trunk   *nn.SequentialModule
	Readout *nn.LinearModule
}

func NewDiscriminator(imageSize, imageChannels, blocks, channels int64) *Discriminator {
	d := &Discriminator{
		Trunk:   trunk(imageChannels, channels, blocks, "conv"),
		Readout: nn.Linear(channels*imageSize*imageSize, 1, true),
	}
	d.Init(d)
	return d
}

func (d *Discriminator) Forward(images torch.Tensor) torch.Tensor {
	n := images.Shape()[0]
	features := d.Trunk.Forward(images).(torch.Tensor)
	return d.Readout.Forward(features.View(n, -1))
}
