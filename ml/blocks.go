package ml

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

const leakySlope = 0.2

// ConvBlock is a shape-preserving conv / batch-norm / leaky-relu unit.
type ConvBlock struct {
	nn.Module
	Conv *nn.Conv2dModule
	Norm *nn.BatchNorm2dModule
}

func NewConvBlock(in, out int64) *ConvBlock {
	b := &ConvBlock{
		Conv: nn.Conv2d(in, out, 3, 1, 1, 1, 1, false, "zeros"),
		Norm: nn.BatchNorm2d(out, 1e-5, 0.1, true, true),
	}
	b.Init(b)
	return b
}

func (b *ConvBlock) Forward(x torch.Tensor) torch.Tensor {
	return F.LeakyRelu(b.Norm.Forward(b.Conv.Forward(x)), leakySlope, false)
}

// ResidualBlock adds its conv unit's output back onto the input, so the
// channel count must stay constant across the block.
type ResidualBlock struct {
	nn.Module
	Body *ConvBlock
}

func NewResidualBlock(channels int64) *ResidualBlock {
	b := &ResidualBlock{Body: NewConvBlock(channels, channels)}
	b.Init(b)
	return b
}

func (b *ResidualBlock) Forward(x torch.Tensor) torch.Tensor {
	return torch.Add(x, b.Body.Forward(x), 1)
}

// trunk stacks blocks of the requested type: the first block widens the
// input to the inner channel width, the rest preserve it.
func trunk(in, channels, blocks int64, blockType string) *nn.SequentialModule {
	mods := []nn.IModule{NewConvBlock(in, channels)}
	for i := int64(1); i < blocks; i++ {
		if blockType == "residual" {
			mods = append(mods, NewResidualBlock(channels))
		} else {
			mods = append(mods, NewConvBlock(channels, channels))
		}
	}
	return nn.Sequential(mods...)
}
