package evaluation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tsawler/go-meanteacher/structures"
)

// DefaultIoUThreshold is the match threshold behind AP50
const DefaultIoUThreshold = 0.5

type scoredMatch struct {
	score float64
	tp    bool
}

// DetectionEvaluator computes per-class average precision at a single IoU
// threshold, reported in percent as "bbox/AP50" (mean over classes that have
// ground truth) plus "bbox/AP50-{class}" when class names are known.
type DetectionEvaluator struct {
	ClassNames   []string
	IoUThreshold float64

	mu       sync.Mutex
	matches  map[int][]scoredMatch
	gtCounts map[int]int
	images   int
}

// NewDetectionEvaluator creates an evaluator for AP at IoU 0.5
func NewDetectionEvaluator(classNames []string) *DetectionEvaluator {
	e := &DetectionEvaluator{ClassNames: classNames, IoUThreshold: DefaultIoUThreshold}
	e.Reset()
	return e
}

// Reset clears accumulated matches
func (e *DetectionEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matches = make(map[int][]scoredMatch)
	e.gtCounts = make(map[int]int)
	e.images = 0
}

// Process greedily matches each image's predictions, highest score first,
// to unmatched ground truth boxes of the same class.
func (e *DetectionEvaluator) Process(inputs []structures.Record, outputs []structures.Predictions) error {
	if len(inputs) != len(outputs) {
		return fmt.Errorf("got %d predictions for %d inputs", len(outputs), len(inputs))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rec := range inputs {
		e.images++
		gt := rec.Instances
		for j := 0; j < gt.Len(); j++ {
			e.gtCounts[gt.Classes[j]]++
		}

		pred := outputs[i]
		order := make([]int, pred.Len())
		for k := range order {
			order[k] = k
		}
		sort.SliceStable(order, func(a, b int) bool {
			return pred.Scores[order[a]] > pred.Scores[order[b]]
		})

		used := make([]bool, gt.Len())
		for _, k := range order {
			best, bestIoU := -1, e.IoUThreshold
			for j := 0; j < gt.Len(); j++ {
				if used[j] || gt.Classes[j] != pred.Classes[k] {
					continue
				}
				if iou := pred.Boxes[k].IoU(gt.Boxes[j]); iou >= bestIoU {
					best, bestIoU = j, iou
				}
			}
			if best >= 0 {
				used[best] = true
			}
			c := pred.Classes[k]
			e.matches[c] = append(e.matches[c], scoredMatch{score: pred.Scores[k], tp: best >= 0})
		}
	}
	return nil
}

// Evaluate computes AP50 over everything processed
func (e *DetectionEvaluator) Evaluate() (Results, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.images == 0 {
		return nil, fmt.Errorf("no images were processed")
	}

	metrics := make(map[string]float64)
	classes := make([]int, 0, len(e.gtCounts))
	for c := range e.gtCounts {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	sum := 0.0
	for _, c := range classes {
		ap := 100 * averagePrecision(e.matches[c], e.gtCounts[c])
		sum += ap
		if c >= 0 && c < len(e.ClassNames) {
			metrics["AP50-"+e.ClassNames[c]] = ap
		}
	}
	if len(classes) > 0 {
		metrics["AP50"] = sum / float64(len(classes))
	} else {
		metrics["AP50"] = 0
	}
	return Results{"bbox": metrics}, nil
}

// averagePrecision integrates the precision-recall curve with all-point
// interpolation: precision is made monotonically non-increasing in recall
// and summed over recall steps.
func averagePrecision(matches []scoredMatch, numGT int) float64 {
	if numGT == 0 || len(matches) == 0 {
		return 0
	}
	sorted := append([]scoredMatch(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	recall := make([]float64, len(sorted))
	precision := make([]float64, len(sorted))
	tp, fp := 0, 0
	for i, m := range sorted {
		if m.tp {
			tp++
		} else {
			fp++
		}
		recall[i] = float64(tp) / float64(numGT)
		precision[i] = float64(tp) / float64(tp+fp)
	}

	for i := len(precision) - 2; i >= 0; i-- {
		if precision[i+1] > precision[i] {
			precision[i] = precision[i+1]
		}
	}

	ap, prevRecall := 0.0, 0.0
	for i := range sorted {
		ap += (recall[i] - prevRecall) * precision[i]
		prevRecall = recall[i]
	}
	return ap
}
