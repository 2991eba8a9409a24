// Package pseudolabel converts raw teacher predictions into training
// annotations for unlabeled images.
package pseudolabel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-meanteacher/structures"
)

// ErrUnknownMethod is returned for an unrecognised pseudo-labeling method
var ErrUnknownMethod = errors.New("unknown pseudo-label method")

// Method names a pseudo-label selection policy
type Method string

const (
	// MethodThresholding keeps every prediction scoring at or above the threshold
	MethodThresholding Method = "thresholding"
)

// ParseMethod validates a configured method name
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodThresholding:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// UnmarshalText lets config decoding parse methods
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m), nil
}

// Policy chooses which predictions of one image become pseudo-labels
type Policy interface {
	Name() string
	// Select returns the indices of p to keep, in ascending order.
	Select(p structures.Predictions, threshold float64) []int
}

// NewPolicy returns the policy for a parsed method
func NewPolicy(m Method) (Policy, error) {
	switch m {
	case MethodThresholding:
		return Thresholding{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, string(m))
	}
}

// Thresholding keeps predictions with score >= threshold. There is no cap on
// the number kept and no per-class threshold.
type Thresholding struct{}

// Name implements Policy
func (Thresholding) Name() string { return string(MethodThresholding) }

// Select implements Policy
func (Thresholding) Select(p structures.Predictions, threshold float64) []int {
	keep := make([]int, 0, len(p.Scores))
	for i, s := range p.Scores {
		if s >= threshold {
			keep = append(keep, i)
		}
	}
	return keep
}
