package model

import (
	"fmt"
	"sort"
	"strings"
)

// Loss is a scalar loss value together with the closure that accumulates
// weight * dLoss/dParam into the owning model's gradients.
type Loss struct {
	Value    float64
	backward func(weight float64)
}

// NewLoss creates a loss. backward may be nil for constant losses.
func NewLoss(value float64, backward func(weight float64)) Loss {
	return Loss{Value: value, backward: backward}
}

// Backward accumulates gradients scaled by weight
func (l Loss) Backward(weight float64) {
	if l.backward != nil {
		l.backward(weight)
	}
}

// Plus returns the sum of two losses
func (l Loss) Plus(o Loss) Loss {
	a, b := l.backward, o.backward
	return Loss{
		Value: l.Value + o.Value,
		backward: func(w float64) {
			if a != nil {
				a(w)
			}
			if b != nil {
				b(w)
			}
		},
	}
}

// Scaled returns the loss multiplied by f
func (l Loss) Scaled(f float64) Loss {
	inner := l.backward
	return Loss{
		Value: l.Value * f,
		backward: func(w float64) {
			if inner != nil {
				inner(w * f)
			}
		},
	}
}

// LossMap maps loss names (e.g. "loss_cls") to losses
type LossMap map[string]Loss

// Keys returns the loss names sorted
func (m LossMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the scalar values by name
func (m LossMap) Values() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

// Total returns the sum of all losses
func (m LossMap) Total() Loss {
	total := NewLoss(0, nil)
	for _, k := range m.Keys() {
		total = total.Plus(m[k])
	}
	return total
}

// MergeUnlabeled folds the unlabeled loss map into the labeled one with equal
// weighting: every key present in unlabeled becomes (labeled + unlabeled) / 2,
// keys present only in labeled are left unscaled. A key missing from labeled
// counts as zero there. The labeled map is updated in place and returned.
func MergeUnlabeled(labeled, unlabeled LossMap) LossMap {
	if labeled == nil {
		labeled = make(LossMap, len(unlabeled))
	}
	for k, u := range unlabeled {
		l, ok := labeled[k]
		if !ok {
			l = NewLoss(0, nil)
		}
		labeled[k] = l.Plus(u).Scaled(0.5)
	}
	return labeled
}

func (m LossMap) String() string {
	parts := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, m[k].Value))
	}
	return strings.Join(parts, " ")
}
