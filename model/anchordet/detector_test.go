package anchordet

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
)

func testSpec() model.Spec {
	return model.Spec{NumClasses: 2, Grid: 4, InputSize: 16, Seed: 7}
}

// brightSquareRecord draws a bright square on a dark background and
// annotates it.
func brightSquareRecord(id string, x0, y0, size int) structures.Record {
	img := tensor.MustZeros(3, 16, 16)
	for c := 0; c < 3; c++ {
		for y := y0; y < y0+size; y++ {
			for x := x0; x < x0+size; x++ {
				img.Data[c*256+y*16+x] = 1
			}
		}
	}
	in := structures.NewInstances()
	in.Append(structures.Box{X1: float64(x0), Y1: float64(y0), X2: float64(x0 + size), Y2: float64(y0 + size)}, 1, -1)
	return structures.Record{ID: id, Width: 32, Height: 32, Image: img, Instances: in}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(model.Spec{NumClasses: 0, Grid: 4, InputSize: 16}); err == nil {
		t.Error("Expected error for zero classes")
	}
	if _, err := New(model.Spec{NumClasses: 1, Grid: 8, InputSize: 4}); err == nil {
		t.Error("Expected error for input smaller than grid")
	}

	d, err := New(testSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if d.Parameters().Len() != 5 {
		t.Errorf("Expected 5 parameters, got %d", d.Parameters().Len())
	}
	if len(d.Parameters().Trainable()) != 4 {
		t.Errorf("Expected 4 trainable parameters, got %d", len(d.Parameters().Trainable()))
	}
}

func TestRegistered(t *testing.T) {
	m, err := model.Build(Name, testSpec())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, ok := m.(*Detector); !ok {
		t.Errorf("Expected *Detector, got %T", m)
	}
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	d, _ := New(testSpec())
	batch := structures.Batch{Records: []structures.Record{brightSquareRecord("a", 4, 4, 4)}}
	ctx := context.Background()

	saved := d.featMean.Value.Clone()
	restore := func() { d.featMean.Value.CopyFrom(saved) }

	d.Parameters().ZeroGrad()
	losses, err := d.Forward(ctx, batch, model.Supervised)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	restore()
	losses.Total().Backward(1)

	const eps = 1e-3
	for _, p := range d.Parameters().Trainable() {
		for _, idx := range []int{0, p.Value.NumElems - 1} {
			orig := p.Value.Data[idx]

			p.Value.Data[idx] = orig + eps
			plus, _ := d.Forward(ctx, batch, model.Supervised)
			restore()

			p.Value.Data[idx] = orig - eps
			minus, _ := d.Forward(ctx, batch, model.Supervised)
			restore()

			p.Value.Data[idx] = orig

			numeric := (plus.Total().Value - minus.Total().Value) / (2 * eps)
			analytic := float64(p.Grad.Data[idx])
			if math.Abs(numeric-analytic) > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %v vs numeric %v", p.Name, idx, analytic, numeric)
			}
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	// 0.01 is the default SOLVER.BASE_LR
	for _, lr := range []float32{0.01, 0.1, 0.5} {
		t.Run(fmt.Sprintf("lr_%v", lr), func(t *testing.T) {
			d, _ := New(testSpec())
			batch := structures.Batch{Records: []structures.Record{
				brightSquareRecord("a", 0, 0, 4),
				brightSquareRecord("b", 8, 8, 4),
			}}
			ctx := context.Background()

			first, err := d.Forward(ctx, batch, model.Supervised)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}

			var last model.LossMap
			for step := 0; step < 200; step++ {
				d.Parameters().ZeroGrad()
				losses, err := d.Forward(ctx, batch, model.Supervised)
				if err != nil {
					t.Fatalf("Forward failed at step %d: %v", step, err)
				}
				losses.Total().Backward(1)
				for _, p := range d.Parameters().Trainable() {
					p.Value.AddScaled(p.Grad, -lr)
				}
				last = losses
			}

			if last.Total().Value >= first.Total().Value {
				t.Errorf("Expected loss to decrease: first %v, last %v", first.Total().Value, last.Total().Value)
			}
			if box := last["loss_box_reg"].Value; math.IsNaN(box) || box > 1e-2 {
				t.Errorf("Box regression loss did not stay bounded: %v", box)
			}
		})
	}
}

func TestUnsupervisedWithoutLabels(t *testing.T) {
	d, _ := New(testSpec())
	rec := brightSquareRecord("a", 4, 4, 4)
	rec.Instances = nil

	losses, err := d.Forward(context.Background(), structures.Batch{Records: []structures.Record{rec}}, model.Unsupervised)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for k, v := range losses.Values() {
		if v != 0 {
			t.Errorf("Expected %s = 0 without pseudo-labels, got %v", k, v)
		}
	}

	supervised, _ := d.Forward(context.Background(), structures.Batch{Records: []structures.Record{rec}}, model.Supervised)
	if supervised["loss_cls"].Value == 0 {
		t.Error("Supervised forward should penalise background anchors")
	}
}

func TestInvalidClass(t *testing.T) {
	d, _ := New(testSpec())
	rec := brightSquareRecord("a", 4, 4, 4)
	rec.Instances.Classes[0] = 5

	if _, err := d.Forward(context.Background(), structures.Batch{Records: []structures.Record{rec}}, model.Supervised); err == nil {
		t.Error("Expected error for out-of-range class")
	}
}

func TestInference(t *testing.T) {
	d, _ := New(testSpec())
	rec := brightSquareRecord("a", 4, 4, 4)
	batch := structures.Batch{Records: []structures.Record{rec}}

	raw, err := d.Inference(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Inference failed: %v", err)
	}
	if len(raw) != 1 || raw[0].Len() != 16 {
		t.Fatalf("Expected 16 raw predictions, got %d", raw[0].Len())
	}
	if raw[0].ImageWidth != 16 || raw[0].Source != structures.ROIHeads {
		t.Errorf("Unexpected raw prediction space: %+v", raw[0])
	}
	for _, s := range raw[0].Scores {
		if s < 0 || s > 1 {
			t.Errorf("Score %v outside [0, 1]", s)
		}
	}

	// Force confident predictions so postprocessing keeps some boxes.
	for i := range d.clsB.Value.Data {
		d.clsB.Value.Data[i] = 5
	}
	post, err := d.Inference(context.Background(), batch, true)
	if err != nil {
		t.Fatalf("Inference failed: %v", err)
	}
	if post[0].Len() == 0 {
		t.Fatal("Expected postprocessed predictions")
	}
	if post[0].ImageWidth != 32 {
		t.Errorf("Expected predictions rescaled to original width 32, got %d", post[0].ImageWidth)
	}
	for _, b := range post[0].Boxes {
		if b.X2 > 32+1e-9 {
			t.Errorf("Box %+v outside original image", b)
		}
	}
}

func TestContextCancelled(t *testing.T) {
	d, _ := New(testSpec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := brightSquareRecord("a", 4, 4, 4)
	if _, err := d.Inference(ctx, structures.Batch{Records: []structures.Record{rec}}, false); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
