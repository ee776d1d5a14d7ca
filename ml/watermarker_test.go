package ml

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"github.com/alexeylabs/hiddenorig/config"
	"github.com/alexeylabs/hiddenorig/noise"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Device = "cpu"
	cfg.MessageLength = 8
	cfg.ImageSize = 8
	cfg.EncoderBlocks = 2
	cfg.EncoderChannels = 4
	cfg.DecoderBlocks = 2
	cfg.DecoderChannels = 4
	cfg.DiscriminatorBlocks = 2
	cfg.DiscriminatorChannels = 4
	cfg.AdvLossWeight = 1
	cfg.EncLossWeight = 1
	cfg.DecLossWeight = 1
	return cfg
}

func testBatch(n int64) (torch.Tensor, torch.Tensor) {
	images := torch.Full([]int64{n, 3, 8, 8}, 0, false)
	messages := torch.Full([]int64{n, 8}, 0, false)
	return images, messages
}

func newTestWatermarker(t *testing.T) *Watermarker {
	t.Helper()
	initializer.ManualSeed(1)
	w, err := NewWatermarker(testConfig())
	if err != nil {
		t.Fatalf("new watermarker: %v", err)
	}
	return w
}

func checkLossSet(t *testing.T, losses LossSet) {
	t.Helper()
	if len(losses) != len(LossNames()) {
		t.Fatalf("expected %d metrics, got %d: %v", len(LossNames()), len(losses), losses)
	}
	for _, name := range LossNames() {
		v, ok := losses[name]
		if !ok {
			t.Fatalf("missing metric %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("metric %q is not finite: %v", name, v)
		}
		if v < 0 {
			t.Fatalf("metric %q is negative: %v", name, v)
		}
	}
	if be := losses[LossBitwiseError]; be < 0 || be > 1 {
		t.Fatalf("bitwise error out of range: %v", be)
	}
}

func TestTrainOnBatch(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(4)

	losses, out, err := w.TrainOnBatch(images, messages)
	if err != nil {
		t.Fatalf("train on batch: %v", err)
	}
	checkLossSet(t, losses)

	decShape := out.Decoded.Shape()
	if len(decShape) != 2 || decShape[0] != 4 || decShape[1] != 8 {
		t.Fatalf("unexpected decoded shape: %v", decShape)
	}
	encShape := out.Encoded.Shape()
	imgShape := images.Shape()
	for i := range imgShape {
		if encShape[i] != imgShape[i] {
			t.Fatalf("encoded shape %v does not match images %v", encShape, imgShape)
		}
	}
	noisedShape := out.Noised.Shape()
	for i := range imgShape {
		if noisedShape[i] != imgShape[i] {
			t.Fatalf("noised shape %v does not match images %v", noisedShape, imgShape)
		}
	}
}

func TestTrainOnBatchUpdatesParameters(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(4)

	first, _, err := w.TrainOnBatch(images, messages)
	if err != nil {
		t.Fatalf("first train: %v", err)
	}
	second, _, err := w.TrainOnBatch(images, messages)
	if err != nil {
		t.Fatalf("second train: %v", err)
	}
	if first[LossTotal] == second[LossTotal] {
		t.Fatalf("expected losses to move after an optimizer step, got %v twice", first[LossTotal])
	}
}

func TestValidateOnBatchIsRepeatable(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(4)

	first, _, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	checkLossSet(t, first)
	second, _, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	for _, name := range LossNames() {
		if first[name] != second[name] {
			t.Fatalf("metric %q changed across validation calls: %v vs %v", name, first[name], second[name])
		}
	}
}

func TestBatchShapeMismatch(t *testing.T) {
	w := newTestWatermarker(t)

	images := torch.Full([]int64{4, 3, 8, 8}, 0, false)
	messages := torch.Full([]int64{3, 8}, 0, false)
	if _, _, err := w.TrainOnBatch(images, messages); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for batch sizes, got %v", err)
	}

	short := torch.Full([]int64{4, 5}, 0, false)
	if _, _, err := w.TrainOnBatch(images, short); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for message length, got %v", err)
	}

	flat := torch.Full([]int64{4, 8}, 0, false)
	if _, _, err := w.ValidateOnBatch(flat, short); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for image rank, got %v", err)
	}
}

func TestNewWatermarkerRejectsUnknownDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Device = "tpu"
	if _, err := NewWatermarker(cfg); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestNewWatermarkerRejectsBadNoise(t *testing.T) {
	cfg := testConfig()
	cfg.Noise = noise.Config{Kind: "crop"}
	if _, err := NewWatermarker(cfg); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStringDescribesEncoderDecoder(t *testing.T) {
	w := newTestWatermarker(t)
	s := w.String()
	if s != w.EncoderDecoder.String() {
		t.Fatalf("expected display to delegate to the encoder-decoder, got %q", s)
	}
}

func TestDiscriminatorStepLeavesGeneratorUntouched(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(4)

	before, _, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	w.EncoderDecoder.Train(false)
	w.Discriminator.Train(false)
	w.optDiscrim.ZeroGrad()
	bceWithLogits(w.Discriminator.Forward(images), w.labels(4, coverLabel)).Backward()
	encoded, _, _ := w.EncoderDecoder.Forward(images, messages)
	bceWithLogits(w.Discriminator.Forward(encoded.Detach()), w.labels(4, encodedLabel)).Backward()
	w.optDiscrim.Step()
	w.optEncDec.Step()

	after, _, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("validate after discriminator step: %v", err)
	}
	for _, name := range []string{LossEncoderMSE, LossDecoderMSE, LossBitwiseError} {
		if before[name] != after[name] {
			t.Fatalf("metric %q moved after a discriminator-only step: %v vs %v", name, before[name], after[name])
		}
	}
	if before[LossDiscrimCoverBCE] == after[LossDiscrimCoverBCE] {
		t.Fatalf("expected the discriminator step to move cover BCE, stayed at %v", before[LossDiscrimCoverBCE])
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(4)
	if _, _, err := w.TrainOnBatch(images, messages); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ckpt.gob")
	if err := SaveCheckpoint(w, path); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	before, _, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	restored := newTestWatermarker(t)
	if err := LoadCheckpoint(restored, path); err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	after, _, err := restored.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("validate restored: %v", err)
	}
	for _, name := range LossNames() {
		if before[name] != after[name] {
			t.Fatalf("metric %q differs after checkpoint restore: %v vs %v", name, before[name], after[name])
		}
	}
}

func TestLoadCheckpointRejectsCorruptFile(t *testing.T) {
	w := newTestWatermarker(t)
	path := filepath.Join(t.TempDir(), "ckpt.gob")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := LoadCheckpoint(w, path); err == nil {
		t.Fatalf("expected an error loading a corrupt checkpoint")
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	w := newTestWatermarker(t)
	images, messages := testBatch(2)
	_, out, err := w.ValidateOnBatch(images, messages)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "embedding.gob")
	saved := Embedding{Encoded: out.Encoded, Noised: out.Noised, Decoded: out.Decoded, Messages: messages}
	if err := SaveEmbedding(saved, path); err != nil {
		t.Fatalf("save embedding: %v", err)
	}
	loaded, err := LoadEmbedding(path)
	if err != nil {
		t.Fatalf("load embedding: %v", err)
	}

	encShape := loaded.Encoded.Shape()
	imgShape := images.Shape()
	for i := range imgShape {
		if encShape[i] != imgShape[i] {
			t.Fatalf("loaded encoded shape %v does not match images %v", encShape, imgShape)
		}
	}
	if got, want := BitwiseError(loaded.Decoded, loaded.Messages), BitwiseError(out.Decoded, messages); got != want {
		t.Fatalf("bitwise error changed across the round trip: %v vs %v", got, want)
	}
}
