package structures

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-meanteacher/tensor"
)

func TestBoxIoU(t *testing.T) {
	a := Box{X1: 0, Y1: 0, X2: 10, Y2: 10}

	if iou := a.IoU(a); math.Abs(iou-1) > 1e-9 {
		t.Errorf("Expected IoU 1 for identical boxes, got %v", iou)
	}

	b := Box{X1: 5, Y1: 0, X2: 15, Y2: 10}
	if iou := a.IoU(b); math.Abs(iou-1.0/3.0) > 1e-9 {
		t.Errorf("Expected IoU 1/3, got %v", iou)
	}

	c := Box{X1: 20, Y1: 20, X2: 30, Y2: 30}
	if iou := a.IoU(c); iou != 0 {
		t.Errorf("Expected IoU 0 for disjoint boxes, got %v", iou)
	}
}

func TestBoxTransforms(t *testing.T) {
	b := BoxFromXYWH(2, 3, 4, 5)
	if b.X2 != 6 || b.Y2 != 8 {
		t.Fatalf("Unexpected XYWH conversion: %+v", b)
	}

	flipped := b.FlipHorizontal(10)
	if flipped.X1 != 4 || flipped.X2 != 8 {
		t.Errorf("Unexpected flip result: %+v", flipped)
	}

	clipped := Box{X1: -5, Y1: -1, X2: 50, Y2: 5}.Clip(20, 10)
	if clipped.X1 != 0 || clipped.Y1 != 0 || clipped.X2 != 20 || clipped.Y2 != 5 {
		t.Errorf("Unexpected clip result: %+v", clipped)
	}
}

func TestInstancesSelect(t *testing.T) {
	in := NewInstances()
	in.Append(Box{X2: 1, Y2: 1}, 0, 0.9)
	in.Append(Box{X2: 2, Y2: 2}, 1, 0.2)
	in.Append(Box{X2: 3, Y2: 3}, 2, 0.7)

	if err := in.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	sel := in.Select([]int{2, 0})
	if sel.Len() != 2 {
		t.Fatalf("Expected 2 instances, got %d", sel.Len())
	}
	if sel.Classes[0] != 2 || sel.Classes[1] != 0 {
		t.Errorf("Selection order not preserved: %v", sel.Classes)
	}
	if sel.Scores[0] != 0.7 {
		t.Errorf("Expected score 0.7, got %v", sel.Scores[0])
	}

	human := NewInstances()
	human.Append(Box{X2: 1, Y2: 1}, 0, -1)
	if human.Scores != nil {
		t.Error("Human annotations should not carry scores")
	}
}

func TestBatchWeakView(t *testing.T) {
	strong := tensor.MustZeros(3, 2, 2)
	weak := tensor.MustZeros(3, 2, 2)
	plain := tensor.MustZeros(3, 2, 2)

	batch := Batch{
		Stream: Unlabeled,
		Records: []Record{
			{ID: "a", Image: strong, WeakImage: weak},
			{ID: "b", Image: plain},
		},
	}

	view := batch.WeakView()

	if view.Records[0].Image != weak {
		t.Error("Weak view should expose the weak image as active image")
	}
	if view.Records[1].Image != plain {
		t.Error("Records without a weak view should keep their image")
	}
	if batch.Records[0].Image != strong {
		t.Error("WeakView must not modify the original batch")
	}
}

func TestStepInputSplit(t *testing.T) {
	labeled := Batch{Stream: Labeled, Records: []Record{{ID: "l"}}}
	unlabeled := Batch{Stream: Unlabeled, Records: []Record{{ID: "u"}}}

	t.Run("Arity 1", func(t *testing.T) {
		l, u, err := StepInput{labeled}.Split()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u != nil {
			t.Error("Expected no unlabeled batch")
		}
		if l.Records[0].ID != "l" {
			t.Error("Wrong labeled batch")
		}
	})

	t.Run("Arity 2", func(t *testing.T) {
		_, u, err := StepInput{labeled, unlabeled}.Split()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u == nil || u.Records[0].ID != "u" {
			t.Error("Wrong unlabeled batch")
		}
	})

	t.Run("Invalid arity", func(t *testing.T) {
		for _, in := range []StepInput{{}, {labeled, unlabeled, labeled}} {
			_, _, err := in.Split()
			if !errors.Is(err, ErrInvalidArity) {
				t.Errorf("Arity %d: expected ErrInvalidArity, got %v", in.Arity(), err)
			}
		}
	})
}

func TestParseLabelType(t *testing.T) {
	lt, err := ParseLabelType("ROIH")
	if err != nil || lt != ROIHeads {
		t.Errorf("Expected ROIHeads, got %v (%v)", lt, err)
	}
	if _, err := ParseLabelType("mask"); err == nil {
		t.Error("Expected error for unknown label type")
	}
}
