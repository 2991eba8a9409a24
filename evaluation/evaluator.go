// Package evaluation runs a model over a test dataset and scores its
// detections.
package evaluation

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-meanteacher/structures"
)

// Results maps a task ("bbox") to its named metrics
type Results map[string]map[string]float64

// Flatten returns "{prefix}/{task}/{metric}" keyed scalars. An empty prefix
// yields "{task}/{metric}".
func (r Results) Flatten(prefix string) map[string]float64 {
	out := make(map[string]float64)
	for task, metrics := range r {
		for name, v := range metrics {
			key := task + "/" + name
			if prefix != "" {
				key = prefix + "/" + key
			}
			out[key] = v
		}
	}
	return out
}

// Get returns a metric addressed as "task/metric"
func (r Results) Get(task, metric string) (float64, bool) {
	m, ok := r[task]
	if !ok {
		return 0, false
	}
	v, ok := m[metric]
	return v, ok
}

// String renders the results in a stable order
func (r Results) String() string {
	flat := r.Flatten("")
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%.4f", k, flat[k])
	}
	return s
}

// Evaluator accumulates model outputs over a dataset
type Evaluator interface {
	// Reset clears accumulated state before a new pass
	Reset()

	// Process consumes one batch of inputs and the matching predictions
	Process(inputs []structures.Record, outputs []structures.Predictions) error

	// Evaluate computes metrics over everything processed since Reset
	Evaluate() (Results, error)
}
