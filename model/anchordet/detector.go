// Package anchordet is a small grid-anchor detector. Every image is split
// into Grid x Grid cells, each cell is one anchor, and two linear heads over
// pooled cell statistics predict class logits and box offsets.
//
// It is the reference Model used by the command line tools and the tests;
// it trains in milliseconds on CPU and has exact analytic gradients.
package anchordet

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
)

// Name is the registry key for this architecture
const Name = "AnchorDetector"

const (
	positiveIoU   = 0.5
	negativeIoU   = 0.4
	priorProb     = 0.01
	maxLogScale   = 4.0
	bufferMomenta = 0.1
	nmsIoU        = 0.5
	minTestScore  = 0.05
)

func init() {
	model.Register(Name, func(spec model.Spec) (model.Model, error) {
		return New(spec)
	})
}

// Detector implements model.Model
type Detector struct {
	spec     model.Spec
	channels int
	features int

	params   *model.ParamSet
	clsW     *model.Param
	clsB     *model.Param
	boxW     *model.Param
	boxB     *model.Param
	featMean *model.Param
}

// New creates a detector for 3-channel square images of spec.InputSize
func New(spec model.Spec) (*Detector, error) {
	if spec.NumClasses <= 0 {
		return nil, fmt.Errorf("num classes must be positive, got %d", spec.NumClasses)
	}
	if spec.Grid <= 0 {
		return nil, fmt.Errorf("grid must be positive, got %d", spec.Grid)
	}
	if spec.InputSize < spec.Grid {
		return nil, fmt.Errorf("input size %d smaller than grid %d", spec.InputSize, spec.Grid)
	}

	d := &Detector{
		spec:     spec,
		channels: 3,
		params:   model.NewParamSet(),
	}
	d.features = 2 * d.channels

	rng := rand.New(rand.NewSource(spec.Seed))
	k, f := spec.NumClasses, d.features

	clsW, _ := tensor.RandomNormal([]int{k, f}, 0, 0.01, rng)
	clsB, _ := tensor.Full([]int{k}, float32(-math.Log((1-priorProb)/priorProb)))
	boxW, _ := tensor.RandomNormal([]int{4, f}, 0, 0.001, rng)
	boxB, _ := tensor.Zeros([]int{4})
	featMean, _ := tensor.Zeros([]int{f})

	var err error
	if d.clsW, err = d.params.Add("cls_head.weight", clsW); err != nil {
		return nil, err
	}
	if d.clsB, err = d.params.Add("cls_head.bias", clsB); err != nil {
		return nil, err
	}
	if d.boxW, err = d.params.Add("bbox_head.weight", boxW); err != nil {
		return nil, err
	}
	if d.boxB, err = d.params.Add("bbox_head.bias", boxB); err != nil {
		return nil, err
	}
	if d.featMean, err = d.params.AddBuffer("features.running_mean", featMean); err != nil {
		return nil, err
	}

	return d, nil
}

// Parameters implements model.Model
func (d *Detector) Parameters() *model.ParamSet {
	return d.params
}

// Anchors returns the cell anchors of a width x height image, row-major
func (d *Detector) Anchors(width, height int) []structures.Box {
	g := d.spec.Grid
	cw := float64(width) / float64(g)
	ch := float64(height) / float64(g)
	anchors := make([]structures.Box, 0, g*g)
	for gy := 0; gy < g; gy++ {
		for gx := 0; gx < g; gx++ {
			anchors = append(anchors, structures.Box{
				X1: float64(gx) * cw,
				Y1: float64(gy) * ch,
				X2: float64(gx+1) * cw,
				Y2: float64(gy+1) * ch,
			})
		}
	}
	return anchors
}

// cellFeatures pools per-channel mean and standard deviation of every cell,
// centred by the running feature mean.
func (d *Detector) cellFeatures(img *tensor.Tensor) ([][]float64, []float64, error) {
	if img == nil {
		return nil, nil, fmt.Errorf("record has no image")
	}
	if len(img.Shape) != 3 || img.Shape[0] != d.channels {
		return nil, nil, fmt.Errorf("expected image of shape [%d H W], got %v", d.channels, img.Shape)
	}
	h, w := img.Shape[1], img.Shape[2]
	g := d.spec.Grid
	if h < g || w < g {
		return nil, nil, fmt.Errorf("image %dx%d smaller than grid %d", w, h, g)
	}

	raw := make([][]float64, 0, g*g)
	batchMean := make([]float64, d.features)
	for gy := 0; gy < g; gy++ {
		y0, y1 := gy*h/g, (gy+1)*h/g
		for gx := 0; gx < g; gx++ {
			x0, x1 := gx*w/g, (gx+1)*w/g
			f := make([]float64, d.features)
			n := float64((y1 - y0) * (x1 - x0))
			for c := 0; c < d.channels; c++ {
				var sum, sq float64
				base := c * h * w
				for y := y0; y < y1; y++ {
					row := img.Data[base+y*w+x0 : base+y*w+x1]
					for _, v := range row {
						sum += float64(v)
						sq += float64(v) * float64(v)
					}
				}
				mean := sum / n
				f[c] = mean
				f[d.channels+c] = math.Sqrt(math.Max(0, sq/n-mean*mean))
			}
			for i, v := range f {
				batchMean[i] += v / float64(g*g)
			}
			raw = append(raw, f)
		}
	}

	for _, f := range raw {
		for i := range f {
			f[i] -= float64(d.featMean.Value.Data[i])
		}
	}
	return raw, batchMean, nil
}

func (d *Detector) updateRunningMean(batchMean []float64) {
	for i, v := range batchMean {
		cur := float64(d.featMean.Value.Data[i])
		d.featMean.Value.Data[i] = float32((1-bufferMomenta)*cur + bufferMomenta*v)
	}
}

func (d *Detector) logits(f []float64) []float64 {
	k := d.spec.NumClasses
	out := make([]float64, k)
	for c := 0; c < k; c++ {
		z := float64(d.clsB.Value.Data[c])
		row := d.clsW.Value.Data[c*d.features : (c+1)*d.features]
		for i, v := range row {
			z += float64(v) * f[i]
		}
		out[c] = z
	}
	return out
}

func (d *Detector) offsets(f []float64) [4]float64 {
	var t [4]float64
	for j := 0; j < 4; j++ {
		z := float64(d.boxB.Value.Data[j])
		row := d.boxW.Value.Data[j*d.features : (j+1)*d.features]
		for i, v := range row {
			z += float64(v) * f[i]
		}
		t[j] = z
	}
	return t
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func encode(anchor, gt structures.Box) [4]float64 {
	aw, ah := anchor.Width(), anchor.Height()
	acx, acy := anchor.X1+aw/2, anchor.Y1+ah/2
	gw, gh := math.Max(gt.Width(), 1e-3), math.Max(gt.Height(), 1e-3)
	gcx, gcy := gt.X1+gt.Width()/2, gt.Y1+gt.Height()/2
	return [4]float64{
		(gcx - acx) / aw,
		(gcy - acy) / ah,
		clampLogScale(math.Log(gw / aw)),
		clampLogScale(math.Log(gh / ah)),
	}
}

func clampLogScale(v float64) float64 {
	return math.Max(-maxLogScale, math.Min(maxLogScale, v))
}

func decode(anchor structures.Box, t [4]float64) structures.Box {
	aw, ah := anchor.Width(), anchor.Height()
	cx := anchor.X1 + aw/2 + t[0]*aw
	cy := anchor.Y1 + ah/2 + t[1]*ah
	w := aw * math.Exp(clampLogScale(t[2]))
	h := ah * math.Exp(clampLogScale(t[3]))
	return structures.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
