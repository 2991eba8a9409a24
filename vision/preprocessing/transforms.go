package preprocessing

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-meanteacher/tensor"
)

// FlipHorizontal returns a mirrored copy of a CHW image
func FlipHorizontal(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("expected CHW image, got shape %v", img.Shape)
	}
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	out := img.Clone()
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := (ch*h + y) * w
			for x := 0; x < w; x++ {
				out.Data[row+x] = img.Data[row+w-1-x]
			}
		}
	}
	return out, nil
}

// ColorJitter returns a copy of img with random brightness, contrast and
// per-channel gain perturbations of relative magnitude up to strength.
// Values stay clamped to [0, 1].
func ColorJitter(img *tensor.Tensor, strength float64, rng *rand.Rand) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("expected CHW image, got shape %v", img.Shape)
	}
	if strength < 0 {
		return nil, fmt.Errorf("jitter strength must be non-negative, got %v", strength)
	}
	out := img.Clone()
	if strength == 0 {
		return out, nil
	}

	uniform := func() float64 { return 1 + strength*(2*rng.Float64()-1) }
	brightness := uniform()
	contrast := uniform()

	var mean float64
	for _, v := range img.Data {
		mean += float64(v)
	}
	mean /= float64(len(img.Data))

	c := img.Shape[0]
	plane := img.Shape[1] * img.Shape[2]
	for ch := 0; ch < c; ch++ {
		gain := uniform()
		for i := ch * plane; i < (ch+1)*plane; i++ {
			v := float64(img.Data[i])
			v = (v-mean)*contrast + mean
			v *= brightness * gain
			out.Data[i] = float32(min(1, max(0, v)))
		}
	}
	return out, nil
}
