package dataloader

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
	"github.com/tsawler/go-meanteacher/vision/preprocessing"
)

// ImageSource decodes an image file into a CHW tensor and reports the
// original width and height
type ImageSource interface {
	Load(path string) (*tensor.Tensor, int, int, error)
}

// load decodes the record's image and resolves its original size
func load(images ImageSource, rec structures.Record) (*tensor.Tensor, int, int, error) {
	if images == nil {
		return nil, 0, 0, fmt.Errorf("no image source configured")
	}
	img, w, h, err := images.Load(rec.FileName)
	if err != nil {
		return nil, 0, 0, err
	}
	if rec.Width > 0 && rec.Height > 0 {
		w, h = rec.Width, rec.Height
	}
	return img, w, h, nil
}

// toInputSpace rescales annotations from original to input image coordinates
// and optionally mirrors them
func toInputSpace(in *structures.Instances, origW, origH int, img *tensor.Tensor, flip bool) *structures.Instances {
	out := in.Clone()
	if out == nil {
		return structures.NewInstances()
	}
	iw, ih := float64(img.Shape[2]), float64(img.Shape[1])
	sx, sy := iw/float64(origW), ih/float64(origH)
	for i, b := range out.Boxes {
		b = b.Scale(sx, sy).Clip(iw, ih)
		if flip {
			b = b.FlipHorizontal(iw)
		}
		out.Boxes[i] = b
	}
	return out
}

// LabeledMapper prepares human-annotated records: decode, random horizontal
// flip and optional photometric jitter. Annotations follow the image into
// input coordinates.
type LabeledMapper struct {
	Images    ImageSource
	HFlipProb float64
	Jitter    float64
}

// Map implements Mapper
func (m LabeledMapper) Map(rec structures.Record, rng *rand.Rand) (structures.Record, error) {
	img, w, h, err := load(m.Images, rec)
	if err != nil {
		return structures.Record{}, err
	}

	flip := rng.Float64() < m.HFlipProb
	if flip {
		if img, err = preprocessing.FlipHorizontal(img); err != nil {
			return structures.Record{}, err
		}
	}
	if m.Jitter > 0 {
		if img, err = preprocessing.ColorJitter(img, m.Jitter, rng); err != nil {
			return structures.Record{}, err
		}
	}

	rec.Instances = toInputSpace(rec.Instances, w, h, img, flip)
	rec.Width, rec.Height = w, h
	rec.Image = img
	rec.WeakImage = nil
	return rec, nil
}

// UnlabeledMapper prepares records for the unlabeled stream. The same
// geometric flip is applied to both views; the weak view has no photometric
// change and the strong view is colour-jittered. Annotations are dropped.
type UnlabeledMapper struct {
	Images       ImageSource
	HFlipProb    float64
	StrongJitter float64
}

// Map implements Mapper
func (m UnlabeledMapper) Map(rec structures.Record, rng *rand.Rand) (structures.Record, error) {
	weak, w, h, err := load(m.Images, rec)
	if err != nil {
		return structures.Record{}, err
	}

	if rng.Float64() < m.HFlipProb {
		if weak, err = preprocessing.FlipHorizontal(weak); err != nil {
			return structures.Record{}, err
		}
	}
	strong, err := preprocessing.ColorJitter(weak, m.StrongJitter, rng)
	if err != nil {
		return structures.Record{}, err
	}

	rec.Width, rec.Height = w, h
	rec.Image = strong
	rec.WeakImage = weak
	rec.Instances = nil
	return rec, nil
}

// TestMapper decodes the image without augmentation. Annotations stay in
// original coordinates for evaluation.
type TestMapper struct {
	Images ImageSource
}

// Map implements Mapper
func (m TestMapper) Map(rec structures.Record, _ *rand.Rand) (structures.Record, error) {
	img, w, h, err := load(m.Images, rec)
	if err != nil {
		return structures.Record{}, err
	}
	rec.Width, rec.Height = w, h
	rec.Image = img
	rec.WeakImage = nil
	return rec, nil
}
