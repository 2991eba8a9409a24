// Package structures defines the per-image records, annotation sets and
// batches that flow between the data loaders, the models and the trainer.
package structures

import "math"

// Box is an axis-aligned box in absolute pixel coordinates (XYXY).
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// BoxFromXYWH converts a COCO-style [x, y, w, h] box
func BoxFromXYWH(x, y, w, h float64) Box {
	return Box{X1: x, Y1: y, X2: x + w, Y2: y + h}
}

// Width returns the box width, zero for degenerate boxes
func (b Box) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

// Height returns the box height, zero for degenerate boxes
func (b Box) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

// Area returns the box area
func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.Area() <= 0
}

// IoU returns the intersection over union of two boxes
func (b Box) IoU(o Box) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)

	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip restricts the box to [0, width] x [0, height]
func (b Box) Clip(width, height float64) Box {
	return Box{
		X1: math.Min(math.Max(b.X1, 0), width),
		Y1: math.Min(math.Max(b.Y1, 0), height),
		X2: math.Min(math.Max(b.X2, 0), width),
		Y2: math.Min(math.Max(b.Y2, 0), height),
	}
}

// Scale multiplies x coordinates by sx and y coordinates by sy
func (b Box) Scale(sx, sy float64) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// FlipHorizontal mirrors the box inside an image of the given width
func (b Box) FlipHorizontal(width float64) Box {
	return Box{X1: width - b.X2, Y1: b.Y1, X2: width - b.X1, Y2: b.Y2}
}
