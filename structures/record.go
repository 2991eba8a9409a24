package structures

import (
	"github.com/tsawler/go-meanteacher/tensor"
)

// Stream identifies which data stream a batch came from
type Stream int

const (
	Labeled Stream = iota
	Unlabeled
)

func (s Stream) String() string {
	switch s {
	case Labeled:
		return "labeled"
	case Unlabeled:
		return "unlabeled"
	default:
		return "unknown"
	}
}

// Record is one image with its annotations. Image is the active image the
// model consumes; for unlabeled records it is the strongly augmented view and
// WeakImage holds the weakly augmented view of the same source image.
type Record struct {
	ID       string
	ImageID  int64
	FileName string
	// Height and Width are the original image dimensions, before resizing.
	Height    int
	Width     int
	Image     *tensor.Tensor
	WeakImage *tensor.Tensor
	Instances *Instances
}

// HasWeakView reports whether a weak view is attached
func (r Record) HasWeakView() bool {
	return r.WeakImage != nil
}

// Batch is an ordered sequence of records drawn from one stream
type Batch struct {
	Stream  Stream
	Records []Record
}

// Len returns the number of records
func (b Batch) Len() int {
	return len(b.Records)
}

// WeakView returns a transient copy of the batch whose records use the weak
// image as the active image. The receiver and its records are not modified;
// records without a weak view keep their active image.
func (b Batch) WeakView() Batch {
	view := Batch{Stream: b.Stream, Records: make([]Record, len(b.Records))}
	for i, r := range b.Records {
		if r.WeakImage != nil {
			r.Image = r.WeakImage
		}
		view.Records[i] = r
	}
	return view
}

// IDs returns the record identifiers in order
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}
