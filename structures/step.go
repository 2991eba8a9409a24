package structures

import (
	"errors"
	"fmt"
)

// ErrInvalidArity is returned for a step input that is neither
// [labeled] nor [labeled, unlabeled]. It indicates a loader
// misconfiguration and is never retried.
var ErrInvalidArity = errors.New("unsupported number of batches in step input")

// StepInput is what the dual-stream loader yields for one iteration.
type StepInput []Batch

// Arity returns the number of batches
func (s StepInput) Arity() int {
	return len(s)
}

// Split returns the labeled batch and, for arity 2, the unlabeled batch.
func (s StepInput) Split() (labeled Batch, unlabeled *Batch, err error) {
	switch len(s) {
	case 1:
		return s[0], nil, nil
	case 2:
		u := s[1]
		return s[0], &u, nil
	default:
		return Batch{}, nil, fmt.Errorf("%w: got %d", ErrInvalidArity, len(s))
	}
}
