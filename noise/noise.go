// Package noise simulates channel distortion between the watermark encoder
// and decoder. Every perturbation is differentiable so gradients flow back
// through the noise layer into the encoder.
package noise

import (
	"fmt"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

const (
	KindIdentity = "identity"
	KindGaussian = "gaussian"
)

// Config selects the perturbation applied to encoded images. Sigma is only
// meaningful for the gaussian kind.
type Config struct {
	Kind  string  `toml:"kind"`
	Sigma float64 `toml:"sigma"`
}

type Noiser struct {
	nn.Module
	Kind   string
	Sigma  float64
	Device torch.Device
}

func New(cfg Config, device torch.Device) (*Noiser, error) {
	switch cfg.Kind {
	case KindIdentity, KindGaussian:
	default:
		return nil, errors.Errorf("unknown noise kind %q", cfg.Kind)
	}
	if cfg.Kind == KindGaussian && cfg.Sigma < 0 {
		return nil, errors.Errorf("negative noise sigma %v", cfg.Sigma)
	}
	n := &Noiser{Kind: cfg.Kind, Sigma: cfg.Sigma, Device: device}
	n.Init(n)
	return n, nil
}

// Forward perturbs an encoded image batch. The perturbation is applied in
// both training and evaluation mode: the channel does not care which phase
// the model is in.
func (n *Noiser) Forward(encoded torch.Tensor) torch.Tensor {
	switch n.Kind {
	case KindGaussian:
		noise := torch.RandN(encoded.Shape(), false).To(n.Device, encoded.Dtype())
		return torch.Add(encoded, noise, float32(n.Sigma))
	default:
		return encoded
	}
}

func (n *Noiser) String() string {
	if n.Kind == KindGaussian {
		return fmt.Sprintf("%s(sigma=%v)", n.Kind, n.Sigma)
	}
	return n.Kind
}
