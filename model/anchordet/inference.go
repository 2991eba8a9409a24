package anchordet

import (
	"context"
	"fmt"
	"sort"

	"github.com/tsawler/go-meanteacher/structures"
)

// Inference implements model.Model. Raw predictions hold one box per anchor
// in input-image coordinates; postprocessed predictions are score-filtered,
// deduplicated with per-class NMS and rescaled to the original image size.
func (d *Detector) Inference(ctx context.Context, batch structures.Batch, postprocess bool) ([]structures.Predictions, error) {
	out := make([]structures.Predictions, len(batch.Records))

	for i, rec := range batch.Records {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}

		feats, _, err := d.cellFeatures(rec.Image)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}

		w, h := rec.Image.Shape[2], rec.Image.Shape[1]
		anchors := d.Anchors(w, h)
		p := structures.Predictions{
			Source:      structures.ROIHeads,
			ImageWidth:  w,
			ImageHeight: h,
		}

		for a, feat := range feats {
			z := d.logits(feat)
			bestClass, bestScore := 0, sigmoid(z[0])
			for c := 1; c < len(z); c++ {
				if s := sigmoid(z[c]); s > bestScore {
					bestClass, bestScore = c, s
				}
			}
			box := decode(anchors[a], d.offsets(feat)).Clip(float64(w), float64(h))
			p.Boxes = append(p.Boxes, box)
			p.Scores = append(p.Scores, bestScore)
			p.Classes = append(p.Classes, bestClass)
		}

		if postprocess {
			p = postprocessPredictions(p, rec)
		}
		out[i] = p
	}

	return out, nil
}

func postprocessPredictions(p structures.Predictions, rec structures.Record) structures.Predictions {
	order := make([]int, 0, len(p.Boxes))
	for i, s := range p.Scores {
		if s >= minTestScore && !p.Boxes[i].Empty() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return p.Scores[order[a]] > p.Scores[order[b]]
	})

	sx, sy := 1.0, 1.0
	outW, outH := p.ImageWidth, p.ImageHeight
	if rec.Width > 0 && rec.Height > 0 {
		sx = float64(rec.Width) / float64(p.ImageWidth)
		sy = float64(rec.Height) / float64(p.ImageHeight)
		outW, outH = rec.Width, rec.Height
	}

	res := structures.Predictions{Source: p.Source, ImageWidth: outW, ImageHeight: outH}
	var kept []int
	for _, i := range order {
		suppressed := false
		for _, j := range kept {
			if p.Classes[i] == p.Classes[j] && p.Boxes[i].IoU(p.Boxes[j]) > nmsIoU {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, i)
		res.Boxes = append(res.Boxes, p.Boxes[i].Scale(sx, sy))
		res.Scores = append(res.Scores, p.Scores[i])
		res.Classes = append(res.Classes, p.Classes[i])
	}
	return res
}
