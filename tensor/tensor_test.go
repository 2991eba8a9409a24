package tensor

import (
	"math"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Creation with data", func(t *testing.T) {
		tensor, err := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}

		if tensor.NumElems != 6 {
			t.Errorf("Expected 6 elements, got %d", tensor.NumElems)
		}

		if tensor.Strides[0] != 3 || tensor.Strides[1] != 1 {
			t.Errorf("Expected strides [3 1], got %v", tensor.Strides)
		}

		v, err := tensor.At(1, 2)
		if err != nil {
			t.Fatalf("At failed: %v", err)
		}
		if v != 6 {
			t.Errorf("Expected element 6, got %v", v)
		}
	})

	t.Run("Creation error cases", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("Expected error for data length mismatch")
		}
		if _, err := NewTensor([]int{0, 2}, nil); err == nil {
			t.Error("Expected error for zero dimension")
		}
		if _, err := NewTensor(nil, nil); err == nil {
			t.Error("Expected error for empty shape")
		}
	})
}

func TestCloneAndEqual(t *testing.T) {
	original, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	clone := original.Clone()

	if !clone.Equal(original) {
		t.Fatal("Clone should equal original")
	}

	clone.Data[0] = 42
	if original.Data[0] != 1 {
		t.Error("Mutating the clone changed the original")
	}
	if clone.Equal(original) {
		t.Error("Tensors with different data reported equal")
	}

	other, _ := NewTensor([]int{1, 3}, []float32{1, 2, 3})
	if other.Equal(original) {
		t.Error("Tensors with different shapes reported equal")
	}
}

func TestLerp(t *testing.T) {
	teacher, _ := Full([]int{4}, 10)
	student, _ := Zeros([]int{4})

	if err := teacher.Lerp(student, 0.9); err != nil {
		t.Fatalf("Lerp failed: %v", err)
	}

	for i, v := range teacher.Data {
		if math.Abs(float64(v)-9.0) > 1e-5 {
			t.Errorf("Element %d: expected 9.0, got %v", i, v)
		}
	}

	mismatched, _ := Zeros([]int{2})
	if err := teacher.Lerp(mismatched, 0.5); err == nil {
		t.Error("Expected error for shape mismatch")
	}
}

func TestAddScaledAndFinite(t *testing.T) {
	dst, _ := Full([]int{2}, 1)
	src, _ := NewTensor([]int{2}, []float32{2, 4})

	if err := dst.AddScaled(src, 0.5); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	if dst.Data[0] != 2 || dst.Data[1] != 3 {
		t.Errorf("Expected [2 3], got %v", dst.Data)
	}

	if !dst.AllFinite() {
		t.Error("Expected finite tensor")
	}
	dst.Data[1] = float32(math.Inf(1))
	if dst.AllFinite() {
		t.Error("Expected non-finite tensor to be detected")
	}
}
