package anchordet

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
)

// Box loss is averaged over the four offsets; with beta 1 its curvature is
// bounded by the squared feature norm.
const smoothL1Beta = 1.0

// match is the assignment of one anchor to the annotations of its image
type match struct {
	positive bool
	ignore   bool
	class    int
	box      structures.Box
}

func (d *Detector) assign(anchors []structures.Box, in *structures.Instances) ([]match, error) {
	out := make([]match, len(anchors))
	if in.Len() == 0 {
		return out, nil
	}
	for i, c := range in.Classes {
		if c < 0 || c >= d.spec.NumClasses {
			return nil, fmt.Errorf("instance %d has class %d outside [0, %d)", i, c, d.spec.NumClasses)
		}
	}

	for a, anchor := range anchors {
		best, bestIoU := -1, 0.0
		for g, box := range in.Boxes {
			if iou := anchor.IoU(box); iou > bestIoU {
				best, bestIoU = g, iou
			}
		}
		switch {
		case bestIoU >= positiveIoU:
			out[a] = match{positive: true, class: in.Classes[best], box: in.Boxes[best]}
		case bestIoU >= negativeIoU:
			out[a] = match{ignore: true}
		}
	}

	// Every annotation keeps at least its best-overlapping anchor.
	for g, box := range in.Boxes {
		best, bestIoU := -1, 0.0
		for a, anchor := range anchors {
			if iou := anchor.IoU(box); iou > bestIoU {
				best, bestIoU = a, iou
			}
		}
		if best >= 0 {
			out[best] = match{positive: true, class: in.Classes[g], box: box}
		}
	}
	return out, nil
}

func binaryCrossEntropy(p, y float64) float64 {
	const eps = 1e-7
	p = math.Min(math.Max(p, eps), 1-eps)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

func smoothL1(x float64) (loss, grad float64) {
	ax := math.Abs(x)
	if ax < smoothL1Beta {
		return 0.5 * x * x / smoothL1Beta, x / smoothL1Beta
	}
	if x < 0 {
		return ax - 0.5*smoothL1Beta, -1
	}
	return ax - 0.5*smoothL1Beta, 1
}

func accumulate(dst *tensor.Tensor, grad []float64, scale float64) {
	for i, g := range grad {
		dst.Data[i] += float32(g * scale)
	}
}

// Forward implements model.Model. Supervised batches train the classifier on
// every non-ignored anchor; Unsupervised batches only use positive anchors,
// since missing pseudo-labels do not make an anchor background.
func (d *Detector) Forward(ctx context.Context, batch structures.Batch, mode model.Mode) (model.LossMap, error) {
	k, f := d.spec.NumClasses, d.features

	gClsW := make([]float64, k*f)
	gClsB := make([]float64, k)
	gBoxW := make([]float64, 4*f)
	gBoxB := make([]float64, 4)

	var clsLoss, boxLoss float64
	var clsCount, posCount int
	runningMean := make([]float64, f)

	for _, rec := range batch.Records {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}

		feats, batchMean, err := d.cellFeatures(rec.Image)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		for i, v := range batchMean {
			runningMean[i] += v / float64(len(batch.Records))
		}

		anchors := d.Anchors(rec.Image.Shape[2], rec.Image.Shape[1])
		matches, err := d.assign(anchors, rec.Instances)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}

		for a, feat := range feats {
			m := matches[a]
			if m.ignore || (mode == model.Unsupervised && !m.positive) {
				continue
			}

			z := d.logits(feat)
			for c := 0; c < k; c++ {
				y := 0.0
				if m.positive && m.class == c {
					y = 1
				}
				p := sigmoid(z[c])
				clsLoss += binaryCrossEntropy(p, y)
				dz := p - y
				for i, v := range feat {
					gClsW[c*f+i] += dz * v
				}
				gClsB[c] += dz
			}
			clsCount++

			if !m.positive {
				continue
			}
			t := d.offsets(feat)
			target := encode(anchors[a], m.box)
			for j := 0; j < 4; j++ {
				l, g := smoothL1(t[j] - target[j])
				boxLoss += l
				for i, v := range feat {
					gBoxW[j*f+i] += g * v
				}
				gBoxB[j] += g
			}
			posCount++
		}
	}

	if len(batch.Records) > 0 {
		d.updateRunningMean(runningMean)
	}

	clsNorm := float64(max(clsCount*k, 1))
	boxNorm := float64(max(4*posCount, 1))

	losses := model.LossMap{
		"loss_cls": model.NewLoss(clsLoss/clsNorm, func(w float64) {
			accumulate(d.clsW.Grad, gClsW, w/clsNorm)
			accumulate(d.clsB.Grad, gClsB, w/clsNorm)
		}),
		"loss_box_reg": model.NewLoss(boxLoss/boxNorm, func(w float64) {
			accumulate(d.boxW.Grad, gBoxW, w/boxNorm)
			accumulate(d.boxB.Grad, gBoxB, w/boxNorm)
		}),
	}
	return losses, nil
}
