package ml

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// Checkpoint holds both sub-models' parameters. Optimizer state is not
// persisted: a resumed run restarts the moment estimates.
type Checkpoint struct {
	EncoderDecoder map[string]torch.Tensor
	Discriminator  map[string]torch.Tensor
}

// SaveCheckpoint writes both state dicts to path. Tensors are staged
// through the CPU so a checkpoint from a CUDA run loads anywhere; the
// models are moved back to their device afterwards.
func SaveCheckpoint(w *Watermarker, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer f.Close()

	w.EncoderDecoder.To(cpu)
	w.Discriminator.To(cpu)
	ckpt := Checkpoint{
		EncoderDecoder: w.EncoderDecoder.StateDict(),
		Discriminator:  w.Discriminator.StateDict(),
	}
	err = gob.NewEncoder(f).Encode(ckpt)
	w.EncoderDecoder.To(w.device)
	w.Discriminator.To(w.device)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	return nil
}

func LoadCheckpoint(w *Watermarker, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}
	if err := w.EncoderDecoder.SetStateDict(ckpt.EncoderDecoder); err != nil {
		return errors.Wrap(err, "restore encoder-decoder")
	}
	if err := w.Discriminator.SetStateDict(ckpt.Discriminator); err != nil {
		return errors.Wrap(err, "restore discriminator")
	}
	w.EncoderDecoder.To(w.device)
	w.Discriminator.To(w.device)
	return nil
}

// Embedding is the persisted result of watermarking a batch: the encoded
// and noised images, the decoded messages, and the messages that were
// embedded. The images stay in tensor form; gotorch exposes no pixel
// readback, so downstream tooling decodes this with LoadEmbedding.
type Embedding struct {
	Encoded  torch.Tensor
	Noised   torch.Tensor
	Decoded  torch.Tensor
	Messages torch.Tensor
}

func SaveEmbedding(e Embedding, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create embedding")
	}
	defer f.Close()

	staged := Embedding{
		Encoded:  e.Encoded.Detach().To(cpu, torch.Float),
		Noised:   e.Noised.Detach().To(cpu, torch.Float),
		Decoded:  e.Decoded.Detach().To(cpu, torch.Float),
		Messages: e.Messages.Detach().To(cpu, torch.Float),
	}
	if err := gob.NewEncoder(f).Encode(staged); err != nil {
		return errors.Wrap(err, "encode embedding")
	}
	return nil
}

func LoadEmbedding(path string) (Embedding, error) {
	f, err := os.Open(path)
	if err != nil {
		return Embedding{}, errors.Wrap(err, "open embedding")
	}
	defer f.Close()

	var e Embedding
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		return Embedding{}, errors.Wrap(err, "decode embedding")
	}
	return e, nil
}
