package ml

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// Decoder recovers the embedded message from a (possibly noised) encoded
// image: conv trunk, flatten, linear readout of message length.
type Decoder struct {
	nn.Module
	Trunk   *nn.SequentialModule
	Readout *nn.LinearModule

	Blocks    int64
	Channels  int64
	BlockType string
}

func NewDecoder(imageSize, imageChannels, messageLength, blocks, channels int64, blockType string) *Decoder {
	d := &Decoder{
		Trunk:     trunk(imageChannels, channels, blocks, blockType),
		Readout:   nn.Linear(channels*imageSize*imageSize, messageLength, true),
		Blocks:    blocks,
		Channels:  channels,
		BlockType: blockType,
	}
	d.Init(d)
	return d
}

func (d *Decoder) Forward(images torch.Tensor) torch.Tensor {
	n := images.Shape()[0]
	features := d.Trunk.Forward(images).(torch.Tensor)
	return d.Readout.Forward(features.View(n, -1))
}

func (d *Decoder) String() string {
	return fmt.Sprintf("decoder[%s blocks=%d channels=%d]", d.BlockType, d.Blocks, d.Channels)
}
