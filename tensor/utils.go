package tensor

import (
	"fmt"
	"math"
)

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:    make([]int, len(t.Shape)),
		Strides:  make([]int, len(t.Strides)),
		Data:     make([]float32, len(t.Data)),
		NumElems: t.NumElems,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)
	copy(clone.Data, t.Data)
	return clone
}

// CopyFrom overwrites t's data with src's data. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// Equal reports whether shapes and every element are identical
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !t.SameShape(other) {
		return false
	}
	for i := 0; i < t.NumElems; i++ {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(indices ...int) (float32, error) {
	offset, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[offset], nil
}

// SetAt sets the element at the given multi-dimensional index
func (t *Tensor) SetAt(value float32, indices ...int) error {
	offset, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[offset] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return offset, nil
}

// Fill sets every element to value
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Lerp blends src into t in place: t = alpha*t + (1-alpha)*src.
func (t *Tensor) Lerp(src *Tensor, alpha float64) error {
	if !t.SameShape(src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	for i := range t.Data {
		t.Data[i] = float32(alpha*float64(t.Data[i]) + (1-alpha)*float64(src.Data[i]))
	}
	return nil
}

// AddScaled accumulates scale*src into t in place
func (t *Tensor) AddScaled(src *Tensor, scale float32) error {
	if !t.SameShape(src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	for i := range t.Data {
		t.Data[i] += scale * src.Data[i]
	}
	return nil
}

// Scale multiplies every element by s in place
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// AllFinite reports whether the tensor has no NaN or Inf entries
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// PrintData formats up to maxElements values for debugging
func (t *Tensor) PrintData(maxElements int) string {
	n := t.NumElems
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	s := fmt.Sprintf("%v", t.Data[:n])
	if n < t.NumElems {
		s += fmt.Sprintf(" ... (%d more)", t.NumElems-n)
	}
	return s
}
