package ml

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch marks a batch whose image and message shapes
	// disagree with each other or with the configured message length.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDevice marks a compute device that was requested at construction
	// but is not available on this machine.
	ErrDevice = errors.New("compute device unavailable")
)
