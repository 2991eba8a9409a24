package pseudolabel

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/structures"
)

// Diagnostics summarises one Generate call
type Diagnostics struct {
	Images        int
	Candidates    int
	Kept          int
	MeanKeptScore float64
	PerImage      []int
}

// Dropped returns the number of candidates rejected by the policy
func (d Diagnostics) Dropped() int {
	return d.Candidates - d.Kept
}

// Generate selects pseudo-labels from per-image teacher predictions. ROI-head
// predictions keep their classes; RPN proposals become class-agnostic boxes of
// class 0. The predictions are not modified. The i-th result belongs to the
// i-th input image.
func Generate(preds []structures.Predictions, threshold float64, labelType structures.LabelType, policy Policy) ([]*structures.Instances, Diagnostics, error) {
	diag := Diagnostics{Images: len(preds), PerImage: make([]int, len(preds))}

	if threshold < 0 || threshold > 1 {
		return nil, diag, fmt.Errorf("threshold %v outside [0, 1]", threshold)
	}
	if policy == nil {
		return nil, diag, fmt.Errorf("no pseudo-label policy configured")
	}
	if labelType != structures.ROIHeads && labelType != structures.RPN {
		return nil, diag, fmt.Errorf("unsupported label type %v", labelType)
	}

	out := make([]*structures.Instances, len(preds))
	var scoreSum float64
	for i, p := range preds {
		if len(p.Scores) != len(p.Boxes) || (labelType == structures.ROIHeads && len(p.Classes) != len(p.Boxes)) {
			return nil, diag, fmt.Errorf("image %d: inconsistent predictions (%d boxes, %d scores, %d classes)",
				i, len(p.Boxes), len(p.Scores), len(p.Classes))
		}
		diag.Candidates += p.Len()

		in := structures.NewInstances()
		in.Scores = make([]float64, 0)
		for _, idx := range policy.Select(p, threshold) {
			class := 0
			if labelType == structures.ROIHeads {
				class = p.Classes[idx]
			}
			in.Append(p.Boxes[idx], class, p.Scores[idx])
			scoreSum += p.Scores[idx]
		}

		out[i] = in
		diag.PerImage[i] = in.Len()
		diag.Kept += in.Len()
	}

	if diag.Kept > 0 {
		diag.MeanKeptScore = scoreSum / float64(diag.Kept)
	}
	return out, diag, nil
}

// AddLabels returns a copy of batch whose i-th record carries instances[i].
// The records of batch are not modified.
func AddLabels(batch structures.Batch, instances []*structures.Instances) (structures.Batch, error) {
	if len(instances) != batch.Len() {
		return structures.Batch{}, fmt.Errorf("got %d label sets for %d records", len(instances), batch.Len())
	}
	out := structures.Batch{Stream: batch.Stream, Records: make([]structures.Record, batch.Len())}
	for i, rec := range batch.Records {
		rec.Instances = instances[i]
		out.Records[i] = rec
	}
	return out, nil
}
