// Package engine drives semi-supervised detector training: the per-step
// orchestration of labeled and pseudo-labeled batches, the step runners and
// the trainer with its ordered hook list.
package engine

import (
	"context"
	"fmt"

	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/pseudolabel"
	"github.com/tsawler/go-meanteacher/structures"
)

// StepOptions configures RunStep
type StepOptions struct {
	// Threshold is the pseudo-label confidence cutoff, in [0, 1]
	Threshold float64
	Policy    pseudolabel.Policy
	// LabelType is the teacher head the pseudo-labels are read from
	LabelType      structures.LabelType
	MissingTeacher pseudolabel.MissingTeacherPolicy
	Logger         *logging.Logger
}

// StepReport describes what a step did with its unlabeled batch
type StepReport struct {
	Arity int
	// TeacherUsed is set when pseudo-labels were generated
	TeacherUsed bool
	// UnlabeledSkipped is set when an unlabeled batch contributed no loss
	UnlabeledSkipped bool
	PseudoLabels     pseudolabel.Diagnostics
}

// RunStep computes the loss map of one training step.
//
// With a single labeled batch the student's supervised losses are returned
// unchanged. With an unlabeled batch and a teacher, the teacher labels the
// weak views, the student is trained on the strong views against those
// labels, and every unlabeled loss is averaged with its labeled counterpart.
// The caller's batches are never modified.
func RunStep(ctx context.Context, student model.Model, input structures.StepInput, teacher model.Model, opts StepOptions) (model.LossMap, StepReport, error) {
	report := StepReport{Arity: input.Arity()}

	labeled, unlabeled, err := input.Split()
	if err != nil {
		return nil, report, err
	}

	losses, err := student.Forward(ctx, labeled, model.Supervised)
	if err != nil {
		return nil, report, fmt.Errorf("labeled forward failed: %w", err)
	}
	if unlabeled == nil {
		return losses, report, nil
	}

	relabeled := *unlabeled
	if teacher == nil {
		opts.Logger.Warn("no teacher: unlabeled data ignored for pseudo-labeling", "policy", string(opts.MissingTeacher))
		if opts.MissingTeacher != pseudolabel.ForwardUnlabeled {
			report.UnlabeledSkipped = true
			return losses, report, nil
		}
	} else {
		if opts.Policy == nil {
			return nil, report, fmt.Errorf("pseudo-label policy is nil")
		}
		preds, err := teacher.Inference(ctx, unlabeled.WeakView(), false)
		if err != nil {
			return nil, report, fmt.Errorf("teacher inference failed: %w", err)
		}
		labels, diag, err := pseudolabel.Generate(preds, opts.Threshold, opts.LabelType, opts.Policy)
		if err != nil {
			return nil, report, fmt.Errorf("failed to generate pseudo-labels: %w", err)
		}
		if relabeled, err = pseudolabel.AddLabels(*unlabeled, labels); err != nil {
			return nil, report, err
		}
		report.TeacherUsed = true
		report.PseudoLabels = diag
	}

	unlabeledLosses, err := student.Forward(ctx, relabeled, model.Unsupervised)
	if err != nil {
		return nil, report, fmt.Errorf("unlabeled forward failed: %w", err)
	}
	return model.MergeUnlabeled(losses, unlabeledLosses), report, nil
}
