package ml

import (
	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

// Metric names reported for every batch, in the order of LossNames.
const (
	LossTotal             = "network_loss"
	LossEncoderMSE        = "encoder_mse"
	LossDecoderMSE        = "decoder_mse"
	LossBitwiseError      = "bitwise_error"
	LossAdversarialBCE    = "adversarial_bce"
	LossDiscrimCoverBCE   = "discrim_cover_bce"
	LossDiscrimEncodedBCE = "discrim_encoded_bce"
)

// LossNames returns the reporting order of the per-batch metrics.
func LossNames() []string {
	return []string{
		LossTotal,
		LossEncoderMSE,
		LossDecoderMSE,
		LossBitwiseError,
		LossAdversarialBCE,
		LossDiscrimCoverBCE,
		LossDiscrimEncodedBCE,
	}
}

// LossSet maps every name in LossNames to its scalar value for one batch.
type LossSet map[string]float64

var cpu = torch.NewDevice("cpu")

// bceWithLogits scores pre-activation logits against binary targets.
// gotorch exposes BCE on probabilities only, so the sigmoid is applied here.
func bceWithLogits(logits, targets torch.Tensor) torch.Tensor {
	return F.BinaryCrossEntropy(torch.Sigmoid(logits), targets, torch.Tensor{}, "mean")
}

func mseLoss(a, b torch.Tensor) torch.Tensor {
	d := torch.Sub(a, b, 1)
	return torch.Mean(torch.Mul(d, d))
}

// bitGain saturates the thresholding in hardBits. Values within 1/bitGain
// above the threshold land short of 1; everything else is exact.
const bitGain = 1e8

// hardBits maps values above the threshold to 1 and the rest to 0, staying
// in tensor land since gotorch offers no elementwise host access.
func hardBits(t torch.Tensor, threshold float32) torch.Tensor {
	shape := t.Shape()
	th := torch.Full(shape, threshold, false)
	one := torch.Full(shape, 1, false)
	gain := torch.Full(shape, bitGain, false)
	pos := F.LeakyRelu(torch.Sub(t, th, 1), 0, false)
	return torch.Sub(one, F.LeakyRelu(torch.Sub(one, torch.Mul(pos, gain), 1), 0, false), 1)
}

// BitwiseError is the fraction of message bits recovered incorrectly after
// clamping decoded values to [0,1] and rounding. It is always in [0,1].
func BitwiseError(decoded, messages torch.Tensor) float64 {
	d := decoded.Detach().To(cpu, torch.Float)
	m := messages.Detach().To(cpu, torch.Float)
	diff := torch.Sub(hardBits(d, 0.5), m, 1)
	missed := torch.Sum(torch.Mul(diff, diff))
	shape := m.Shape()
	return float64(missed.Item().(float32)) / float64(shape[0]*shape[1])
}

func item(t torch.Tensor) float64 {
	return float64(t.Item().(float32))
}
