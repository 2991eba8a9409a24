// Package events collects per-iteration scalars during training and
// writes them to the console and to a metrics file.
package events

import (
	"sort"
	"sync"
)

// HistoryBuffer keeps the recorded values of one scalar
type HistoryBuffer struct {
	maxLen int
	values []float64
	iters  []int
	total  float64
	count  int
}

// NewHistoryBuffer creates a buffer holding at most maxLen values
func NewHistoryBuffer(maxLen int) *HistoryBuffer {
	if maxLen <= 0 {
		maxLen = 1000000
	}
	return &HistoryBuffer{maxLen: maxLen}
}

// Update records a value at an iteration
func (h *HistoryBuffer) Update(value float64, iter int) {
	if len(h.values) == h.maxLen {
		h.values = h.values[1:]
		h.iters = h.iters[1:]
	}
	h.values = append(h.values, value)
	h.iters = append(h.iters, iter)
	h.total += value
	h.count++
}

// Latest returns the most recent value
func (h *HistoryBuffer) Latest() float64 {
	if len(h.values) == 0 {
		return 0
	}
	return h.values[len(h.values)-1]
}

// Median returns the median of the last window values
func (h *HistoryBuffer) Median(window int) float64 {
	vals := h.window(window)
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Avg returns the mean of the last window values
func (h *HistoryBuffer) Avg(window int) float64 {
	vals := h.window(window)
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// GlobalAvg returns the mean of every value ever recorded
func (h *HistoryBuffer) GlobalAvg() float64 {
	if h.count == 0 {
		return 0
	}
	return h.total / float64(h.count)
}

func (h *HistoryBuffer) window(n int) []float64 {
	if n <= 0 || n > len(h.values) {
		n = len(h.values)
	}
	return h.values[len(h.values)-n:]
}

// Scalar is the latest value of a named scalar
type Scalar struct {
	Value float64
	Iter  int
}

// Storage is the per-run scalar store. The trainer advances Iter; hooks and
// the step runner put scalars for the current iteration.
type Storage struct {
	mu        sync.Mutex
	iter      int
	history   map[string]*HistoryBuffer
	latest    map[string]Scalar
	smoothing map[string]bool
}

// NewStorage creates a storage starting at the given iteration
func NewStorage(startIter int) *Storage {
	return &Storage{
		iter:      startIter,
		history:   make(map[string]*HistoryBuffer),
		latest:    make(map[string]Scalar),
		smoothing: make(map[string]bool),
	}
}

// Iter returns the current iteration
func (s *Storage) Iter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iter
}

// SetIter moves the storage to iteration iter
func (s *Storage) SetIter(iter int) {
	s.mu.Lock()
	s.iter = iter
	s.mu.Unlock()
}

// PutScalar records a value for the current iteration. smoothing hints
// writers to report a windowed median instead of the raw value.
func (s *Storage) PutScalar(name string, value float64, smoothing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[name]
	if !ok {
		h = NewHistoryBuffer(0)
		s.history[name] = h
		s.smoothing[name] = smoothing
	}
	h.Update(value, s.iter)
	s.latest[name] = Scalar{Value: value, Iter: s.iter}
}

// PutScalars records several values
func (s *Storage) PutScalars(values map[string]float64, smoothing bool) {
	for name, v := range values {
		s.PutScalar(name, v, smoothing)
	}
}

// History returns the buffer of a scalar
func (s *Storage) History(name string) (*HistoryBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[name]
	return h, ok
}

// Latest returns the most recent value of every scalar
func (s *Storage) Latest() map[string]Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Scalar, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// LatestWithSmoothing is Latest with smoothed scalars replaced by their
// median over the last window values.
func (s *Storage) LatestWithSmoothing(window int) map[string]Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Scalar, len(s.latest))
	for k, v := range s.latest {
		if s.smoothing[k] {
			v.Value = s.history[k].Median(window)
		}
		out[k] = v
	}
	return out
}
