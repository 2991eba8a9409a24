package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/optimizer"
)

// Runner performs one optimization step
type Runner interface {
	Step(ctx context.Context, t *Trainer) error
	// ScalerState returns the loss-scaler state to checkpoint, or nil
	ScalerState() *checkpoint.ScalerState
	LoadScalerState(state *checkpoint.ScalerState) error
}

// fetch reads the next step input and computes its loss map
func fetch(ctx context.Context, t *Trainer) (model.LossMap, StepReport, error) {
	start := time.Now()
	input, err := t.loader.Next(ctx)
	if err != nil {
		return nil, StepReport{}, fmt.Errorf("failed to load step %d: %w", t.Iter(), err)
	}
	dataTime := time.Since(start)

	losses, report, err := t.runModel(ctx, input)
	if err != nil {
		return nil, report, fmt.Errorf("step %d failed: %w", t.Iter(), err)
	}
	t.Storage().PutScalar("data_time", dataTime.Seconds(), true)
	return losses, report, nil
}

// publish records the losses and pseudo-label statistics of a step
func publish(t *Trainer, losses model.LossMap, total float64, report StepReport) {
	s := t.Storage()
	s.PutScalars(losses.Values(), true)
	s.PutScalar("total_loss", total, true)
	if report.TeacherUsed {
		s.PutScalar("pseudo/candidates", float64(report.PseudoLabels.Candidates), true)
		s.PutScalar("pseudo/kept", float64(report.PseudoLabels.Kept), true)
		s.PutScalar("pseudo/mean_score", report.PseudoLabels.MeanKeptScore, true)
	}
}

// SimpleRunner backpropagates the summed loss and steps the optimizer
type SimpleRunner struct{}

// Step implements Runner
func (SimpleRunner) Step(ctx context.Context, t *Trainer) error {
	losses, report, err := fetch(ctx, t)
	if err != nil {
		return err
	}
	total := losses.Total()
	if math.IsNaN(total.Value) || math.IsInf(total.Value, 0) {
		return fmt.Errorf("loss became infinite or NaN at iteration %d: %s", t.Iter(), losses)
	}

	t.Optimizer().ZeroGrad()
	total.Backward(1)
	if err := t.Optimizer().Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}
	publish(t, losses, total.Value, report)
	return nil
}

// ScalerState implements Runner
func (SimpleRunner) ScalerState() *checkpoint.ScalerState { return nil }

// LoadScalerState implements Runner. A saved scaler state is ignored.
func (SimpleRunner) LoadScalerState(*checkpoint.ScalerState) error { return nil }

// AMPRunner scales the loss before backward. Steps whose scaled gradients
// overflow are skipped and the scale backs off.
type AMPRunner struct {
	scaler *optimizer.GradScaler
}

// NewAMPRunner creates a mixed-precision runner
func NewAMPRunner(scaler *optimizer.GradScaler) (*AMPRunner, error) {
	if scaler == nil {
		return nil, fmt.Errorf("grad scaler cannot be nil")
	}
	return &AMPRunner{scaler: scaler}, nil
}

// Step implements Runner
func (r *AMPRunner) Step(ctx context.Context, t *Trainer) error {
	losses, report, err := fetch(ctx, t)
	if err != nil {
		return err
	}
	total := losses.Total()
	if math.IsNaN(total.Value) || math.IsInf(total.Value, 0) {
		return fmt.Errorf("loss became infinite or NaN at iteration %d: %s", t.Iter(), losses)
	}

	t.Optimizer().ZeroGrad()
	total.Backward(r.scaler.Scale())
	foundInf := r.scaler.Unscale(t.Model().Parameters())
	if foundInf {
		t.Logger().Warn("gradient overflow, skipping step", "iter", t.Iter(), "scale", r.scaler.Scale())
	} else if err := t.Optimizer().Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}
	r.scaler.Update(foundInf)

	publish(t, losses, total.Value, report)
	t.Storage().PutScalar("amp_scale", r.scaler.Scale(), false)
	return nil
}

// ScalerState implements Runner
func (r *AMPRunner) ScalerState() *checkpoint.ScalerState {
	return r.scaler.State()
}

// LoadScalerState implements Runner
func (r *AMPRunner) LoadScalerState(state *checkpoint.ScalerState) error {
	if state == nil {
		return nil
	}
	return r.scaler.LoadState(state)
}
