package structures

import "fmt"

// Instances is the annotation set of one image. Scores is nil for
// human-authored annotations and holds confidences for synthetic ones.
type Instances struct {
	Boxes   []Box     `json:"boxes"`
	Classes []int     `json:"classes"`
	Scores  []float64 `json:"scores,omitempty"`
}

// NewInstances creates an empty annotation set
func NewInstances() *Instances {
	return &Instances{
		Boxes:   make([]Box, 0),
		Classes: make([]int, 0),
	}
}

// Len returns the number of instances
func (in *Instances) Len() int {
	if in == nil {
		return 0
	}
	return len(in.Boxes)
}

// Append adds one instance. A negative score marks a human annotation.
func (in *Instances) Append(box Box, class int, score float64) {
	in.Boxes = append(in.Boxes, box)
	in.Classes = append(in.Classes, class)
	if score >= 0 {
		in.Scores = append(in.Scores, score)
	}
}

// Validate checks that the parallel slices agree in length
func (in *Instances) Validate() error {
	if in == nil {
		return nil
	}
	if len(in.Classes) != len(in.Boxes) {
		return fmt.Errorf("instances: %d boxes but %d classes", len(in.Boxes), len(in.Classes))
	}
	if in.Scores != nil && len(in.Scores) != len(in.Boxes) {
		return fmt.Errorf("instances: %d boxes but %d scores", len(in.Boxes), len(in.Scores))
	}
	return nil
}

// Clone returns a deep copy
func (in *Instances) Clone() *Instances {
	if in == nil {
		return nil
	}
	out := &Instances{
		Boxes:   append([]Box(nil), in.Boxes...),
		Classes: append([]int(nil), in.Classes...),
	}
	if in.Scores != nil {
		out.Scores = append([]float64(nil), in.Scores...)
	}
	return out
}

// Select returns a new set holding the instances at the given indices, in order
func (in *Instances) Select(indices []int) *Instances {
	out := NewInstances()
	if in.Scores != nil {
		out.Scores = make([]float64, 0, len(indices))
	}
	for _, i := range indices {
		out.Boxes = append(out.Boxes, in.Boxes[i])
		out.Classes = append(out.Classes, in.Classes[i])
		if in.Scores != nil {
			out.Scores = append(out.Scores, in.Scores[i])
		}
	}
	return out
}
