package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/tensor"
	"github.com/tsawler/go-meanteacher/vision/cache"
)

// ImageLoader decodes JPEG and PNG files into square CHW float32 tensors
// normalised to [0, 1].
type ImageLoader struct {
	fs         afero.Fs
	targetSize int
	cache      *cache.Manager
}

// NewImageLoader creates a loader resizing every image to targetSize x
// targetSize. cache may be nil.
func NewImageLoader(fs afero.Fs, targetSize int, c *cache.Manager) (*ImageLoader, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	return &ImageLoader{fs: fs, targetSize: targetSize, cache: c}, nil
}

// TargetSize returns the side of the produced tensors
func (l *ImageLoader) TargetSize() int {
	return l.targetSize
}

// Load decodes path and returns a private copy of the resized image along
// with the original width and height.
func (l *ImageLoader) Load(path string) (*tensor.Tensor, int, int, error) {
	if l.cache != nil {
		if e, ok := l.cache.Get(path); ok {
			return e.Image.Clone(), e.Width, e.Height, nil
		}
	}

	f, err := l.fs.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, w, h, err := l.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", path, err)
	}

	if l.cache != nil {
		l.cache.Put(path, cache.Entry{Image: img, Width: w, Height: h})
		img = img.Clone()
	}
	return img, w, h, nil
}

// Decode reads an encoded image and resizes it with nearest-neighbour
// sampling.
func (l *ImageLoader) Decode(r io.Reader) (*tensor.Tensor, int, int, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	return FromImage(img, l.targetSize), img.Bounds().Dx(), img.Bounds().Dy(), nil
}

// FromImage converts img into a [3, size, size] tensor
func FromImage(img image.Image, size int) *tensor.Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	out := tensor.MustZeros(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		srcY := min(int(float64(y)*scaleY), height-1)
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()

			idx := y*size + x
			out.Data[idx] = float32(r) / 65535.0
			out.Data[plane+idx] = float32(g) / 65535.0
			out.Data[2*plane+idx] = float32(b) / 65535.0
		}
	}
	return out
}
