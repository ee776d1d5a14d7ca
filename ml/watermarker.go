package ml

import (
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"

	"github.com/alexeylabs/hiddenorig/config"
	"github.com/alexeylabs/hiddenorig/noise"
)

const (
	coverLabel   float32 = 1
	encodedLabel float32 = 0
)

// TelemetryHook observes named scalar tensors. The trainer keeps it for
// external instrumentation; nothing in the batch path invokes it.
type TelemetryHook func(name string, value torch.Tensor)

type Option func(*Watermarker)

func WithTelemetry(hook TelemetryHook) Option {
	return func(w *Watermarker) { w.telemetry = hook }
}

// Watermarker trains the encoder-decoder against the discriminator. Each
// batch runs one discriminator update followed by one encoder-decoder
// update; each side has its own Adam optimizer and never touches the
// other's parameters.
type Watermarker struct {
	EncoderDecoder *EncoderDecoder
	Discriminator  *Discriminator

	device        torch.Device
	optEncDec     torch.Optimizer
	optDiscrim    torch.Optimizer
	messageLength int64
	advWeight     float32
	encWeight     float32
	decWeight     float32
	telemetry     TelemetryHook
}

// BatchOutput carries the raw tensors of one batch for downstream
// visualization.
type BatchOutput struct {
	Encoded torch.Tensor
	Noised  torch.Tensor
	Decoded torch.Tensor
}

func NewWatermarker(cfg config.Config, opts ...Option) (*Watermarker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := selectDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	noiser, err := noise.New(cfg.Noise, device)
	if err != nil {
		return nil, errors.Wrap(config.ErrConfiguration, err.Error())
	}
	encoderDecoder := NewEncoderDecoder(cfg, noiser)
	encoderDecoder.To(device)
	discriminator := NewDiscriminator(cfg.ImageSize, cfg.ImageChannels,
		cfg.DiscriminatorBlocks, cfg.DiscriminatorChannels)
	discriminator.To(device)

	optEncDec := torch.Adam(1e-3, 0.9, 0.999, 0)
	optEncDec.AddParameters(encoderDecoder.Parameters())
	optDiscrim := torch.Adam(1e-3, 0.9, 0.999, 0)
	optDiscrim.AddParameters(discriminator.Parameters())

	w := &Watermarker{
		EncoderDecoder: encoderDecoder,
		Discriminator:  discriminator,
		device:         device,
		optEncDec:      optEncDec,
		optDiscrim:     optDiscrim,
		messageLength:  cfg.MessageLength,
		advWeight:      float32(cfg.AdvLossWeight),
		encWeight:      float32(cfg.EncLossWeight),
		decWeight:      float32(cfg.DecLossWeight),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func selectDevice(name string) (torch.Device, error) {
	switch name {
	case "cpu":
		return torch.NewDevice("cpu"), nil
	case "cuda":
		if !torch.IsCUDAAvailable() {
			return torch.Device{}, errors.Wrap(ErrDevice, "cuda requested but not available")
		}
		return torch.NewDevice("cuda"), nil
	default:
		return torch.Device{}, errors.Wrapf(ErrDevice, "unknown device %q", name)
	}
}

func (w *Watermarker) Device() torch.Device { return w.device }

// TrainOnBatch updates both parameter sets on one batch of images and
// messages and reports the per-batch metrics.
//
// The discriminator trains first, on the cover images and on a detached
// copy of the encoded images so no gradient reaches the encoder-decoder.
// The encoder-decoder then trains against a fresh discriminator evaluation
// of the non-detached encoded images plus both reconstruction terms. The
// encoder-decoder forward runs exactly once; its outputs are shared by both
// phases.
func (w *Watermarker) TrainOnBatch(images, messages torch.Tensor) (LossSet, BatchOutput, error) {
	n, err := w.checkBatch(images, messages)
	if err != nil {
		return nil, BatchOutput{}, err
	}
	w.EncoderDecoder.Train(true)
	w.Discriminator.Train(true)

	coverTargets := w.labels(n, coverLabel)
	encodedTargets := w.labels(n, encodedLabel)
	foolTargets := w.labels(n, coverLabel)

	// discriminator phase
	w.optDiscrim.ZeroGrad()
	dLossCover := bceWithLogits(w.Discriminator.Forward(images), coverTargets)
	dLossCover.Backward()

	encoded, noised, decoded := w.EncoderDecoder.Forward(images, messages)
	dLossEncoded := bceWithLogits(w.Discriminator.Forward(encoded.Detach()), encodedTargets)
	dLossEncoded.Backward()
	w.optDiscrim.Step()

	// encoder-decoder phase, against the just-updated discriminator
	w.optEncDec.ZeroGrad()
	gLossAdv := bceWithLogits(w.Discriminator.Forward(encoded), foolTargets)
	gLossEnc := mseLoss(encoded, images)
	gLossDec := mseLoss(decoded, messages)
	gLoss := w.jointLoss(gLossAdv, gLossEnc, gLossDec)
	gLoss.Backward()
	w.optEncDec.Step()

	losses := LossSet{
		LossTotal:             item(gLoss),
		LossEncoderMSE:        item(gLossEnc),
		LossDecoderMSE:        item(gLossDec),
		LossBitwiseError:      BitwiseError(decoded, messages),
		LossAdversarialBCE:    item(gLossAdv),
		LossDiscrimCoverBCE:   item(dLossCover),
		LossDiscrimEncodedBCE: item(dLossEncoded),
	}
	return losses, BatchOutput{Encoded: encoded, Noised: noised, Decoded: decoded}, nil
}

// ValidateOnBatch runs the same computation as TrainOnBatch in evaluation
// mode. The forwards run on detached inputs and nothing here calls Backward
// or Step, so no parameter or optimizer state changes; with a deterministic
// noise layer, repeated calls on the same inputs report identical metrics.
func (w *Watermarker) ValidateOnBatch(images, messages torch.Tensor) (LossSet, BatchOutput, error) {
	n, err := w.checkBatch(images, messages)
	if err != nil {
		return nil, BatchOutput{}, err
	}
	w.EncoderDecoder.Train(false)
	w.Discriminator.Train(false)

	images = images.Detach()
	messages = messages.Detach()

	coverTargets := w.labels(n, coverLabel)
	encodedTargets := w.labels(n, encodedLabel)
	foolTargets := w.labels(n, coverLabel)

	dLossCover := bceWithLogits(w.Discriminator.Forward(images), coverTargets)

	encoded, noised, decoded := w.EncoderDecoder.Forward(images, messages)
	dLossEncoded := bceWithLogits(w.Discriminator.Forward(encoded), encodedTargets)

	gLossAdv := bceWithLogits(w.Discriminator.Forward(encoded), foolTargets)
	gLossEnc := mseLoss(encoded, images)
	gLossDec := mseLoss(decoded, messages)
	gLoss := w.jointLoss(gLossAdv, gLossEnc, gLossDec)

	losses := LossSet{
		LossTotal:             item(gLoss),
		LossEncoderMSE:        item(gLossEnc),
		LossDecoderMSE:        item(gLossDec),
		LossBitwiseError:      BitwiseError(decoded, messages),
		LossAdversarialBCE:    item(gLossAdv),
		LossDiscrimCoverBCE:   item(dLossCover),
		LossDiscrimEncodedBCE: item(dLossEncoded),
	}
	out := BatchOutput{Encoded: encoded, Noised: noised, Decoded: decoded}
	return losses, out, nil
}

// jointLoss is adv*wAdv + enc*wEnc + dec*wDec, built with alpha-scaled adds.
func (w *Watermarker) jointLoss(adv, enc, dec torch.Tensor) torch.Tensor {
	zero := torch.Full([]int64{1}, 0, false).To(w.device, torch.Float)
	total := torch.Add(zero, adv, w.advWeight)
	total = torch.Add(total, enc, w.encWeight)
	return torch.Add(total, dec, w.decWeight)
}

func (w *Watermarker) labels(n int64, value float32) torch.Tensor {
	return torch.Full([]int64{n, 1}, value, false).To(w.device, torch.Float)
}

func (w *Watermarker) checkBatch(images, messages torch.Tensor) (int64, error) {
	imgShape := images.Shape()
	msgShape := messages.Shape()
	if len(imgShape) != 4 || len(msgShape) != 2 {
		return 0, errors.Wrapf(ErrShapeMismatch, "images rank %d, messages rank %d", len(imgShape), len(msgShape))
	}
	if imgShape[0] != msgShape[0] {
		return 0, errors.Wrapf(ErrShapeMismatch, "images batch %d, messages batch %d", imgShape[0], msgShape[0])
	}
	if msgShape[1] != w.messageLength {
		return 0, errors.Wrapf(ErrShapeMismatch, "message length %d, configured %d", msgShape[1], w.messageLength)
	}
	return imgShape[0], nil
}

// String describes the trainable structure; the discriminator is not part
// of the description.
func (w *Watermarker) String() string {
	return w.EncoderDecoder.String()
}
