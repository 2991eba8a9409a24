// Package model defines the contract between the training core and a
// detector: a loss-producing forward pass, an inference call and a named
// parameter set.
package model

import (
	"context"

	"github.com/tsawler/go-meanteacher/structures"
)

// Mode tells the model which losses are valid for a batch
type Mode int

const (
	// Supervised batches carry complete human annotations.
	Supervised Mode = iota
	// Unsupervised batches carry pseudo-labels only; losses that assume
	// complete annotation (negative sampling) must be skipped.
	Unsupervised
)

func (m Mode) String() string {
	switch m {
	case Supervised:
		return "supervised"
	case Unsupervised:
		return "unsupervised"
	default:
		return "unknown"
	}
}

// Model is a trainable detector
type Model interface {
	// Forward computes the loss map of a batch. Each Loss carries the
	// closure that accumulates its gradient into Parameters().
	Forward(ctx context.Context, batch structures.Batch, mode Mode) (LossMap, error)

	// Inference returns one Predictions per record. With postprocess false
	// the predictions stay in the model's input coordinate space and are
	// not filtered.
	Inference(ctx context.Context, batch structures.Batch, postprocess bool) ([]structures.Predictions, error)

	// Parameters returns the model's named parameters and buffers
	Parameters() *ParamSet
}

// Spec carries the construction parameters shared by every registered
// architecture.
type Spec struct {
	NumClasses int
	Grid       int
	InputSize  int
	Seed       int64
}
