package ml

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// Encoder embeds a binary message into a cover image. The message is
// projected to a spatial plane, added onto the conv trunk's features, and a
// final conv maps back to image channels, so the encoded image keeps the
// cover image's shape.
type Encoder struct {
	nn.Module
	Trunk   *nn.SequentialModule
	Message *nn.LinearModule
	Output  *nn.Conv2dModule

	ImageSize     int64
	ImageChannels int64
	Blocks        int64
	Channels      int64
	BlockType     string
}

func NewEncoder(imageSize, imageChannels, messageLength, blocks, channels int64, blockType string) *Encoder {
	e := &Encoder{
		Trunk:         trunk(imageChannels, channels, blocks, blockType),
		Message:       nn.Linear(messageLength, imageSize*imageSize, true),
		Output:        nn.Conv2d(channels, imageChannels, 3, 1, 1, 1, 1, false, "zeros"),
		ImageSize:     imageSize,
		ImageChannels: imageChannels,
		Blocks:        blocks,
		Channels:      channels,
		BlockType:     blockType,
	}
	e.Init(e)
	return e
}

func (e *Encoder) Forward(images, messages torch.Tensor) torch.Tensor {
	n := images.Shape()[0]
	features := e.Trunk.Forward(images).(torch.Tensor)
	plane := e.Message.Forward(messages).View(n, 1, e.ImageSize, e.ImageSize)
	// broadcast the message plane across every feature channel
	return e.Output.Forward(torch.Add(features, plane, 1))
}

func (e *Encoder) String() string {
	return fmt.Sprintf("encoder[%s blocks=%d channels=%d]", e.BlockType, e.Blocks, e.Channels)
}
