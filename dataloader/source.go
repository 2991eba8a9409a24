// Package dataloader feeds the trainer. Each data stream is an infinite,
// prefetching StreamLoader; DualStream zips a labeled and an unlabeled stream
// into one step input per training iteration.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-meanteacher/structures"
)

var (
	// ErrEmptyStream is returned when a configured stream has no examples
	// but a non-zero batch size.
	ErrEmptyStream = errors.New("data stream has no examples")

	// ErrClosed is returned by Next after Close
	ErrClosed = errors.New("data loader closed")
)

// Source is an infinite supply of batches
type Source interface {
	Next(ctx context.Context) (structures.Batch, error)
	Close() error
}

// Dataset is an indexable collection of dataset records. Records carry file
// names and annotations in original image coordinates; images are decoded by
// a Mapper.
type Dataset interface {
	Len() int
	Get(index int) structures.Record
}

// Records adapts a record slice to Dataset
type Records []structures.Record

// Len implements Dataset
func (r Records) Len() int { return len(r) }

// Get implements Dataset
func (r Records) Get(index int) structures.Record { return r[index] }

// Mapper turns a dataset record into a model-ready record. Implementations
// must not modify the input record's annotations.
type Mapper interface {
	Map(rec structures.Record, rng *rand.Rand) (structures.Record, error)
}

// MapperFunc adapts a function to Mapper
type MapperFunc func(rec structures.Record, rng *rand.Rand) (structures.Record, error)

// Map implements Mapper
func (f MapperFunc) Map(rec structures.Record, rng *rand.Rand) (structures.Record, error) {
	return f(rec, rng)
}

// SplitBatchSize divides a per-step batch between the labeled and unlabeled
// streams. Each side gets floor(total * r / max(ratio)); a side with zero
// batch size is dropped from the step.
func SplitBatchSize(total int, ratio [2]float64) (labeled, unlabeled int, err error) {
	if total <= 0 {
		return 0, 0, fmt.Errorf("total batch size must be positive, got %d", total)
	}
	if ratio[0] < 0 || ratio[1] < 0 || math.IsNaN(ratio[0]) || math.IsNaN(ratio[1]) {
		return 0, 0, fmt.Errorf("labeled/unlabeled ratio must be non-negative, got %v", ratio)
	}
	m := math.Max(ratio[0], ratio[1])
	if m == 0 {
		return 0, 0, fmt.Errorf("labeled/unlabeled ratio cannot be all zero")
	}
	labeled = int(math.Floor(float64(total) * ratio[0] / m))
	unlabeled = int(math.Floor(float64(total) * ratio[1] / m))
	return labeled, unlabeled, nil
}
