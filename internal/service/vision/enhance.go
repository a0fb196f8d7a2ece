package vision

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
)

// Enhancer is one step of the optional pre-inference filter chain.
type Enhancer interface {
	Name() string
	Enhance(img *image.RGBA) (*image.RGBA, error)
}

// Chain applies enhancers in order.
type Chain []Enhancer

func (c Chain) Name() string { return "chain" }

func (c Chain) Enhance(img *image.RGBA) (*image.RGBA, error) {
	var err error
	for _, e := range c {
		if img, err = e.Enhance(img); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return img, nil
}

// Sharpen applies the 3x3 kernel [0 -1 0; -1 5 -1; 0 -1 0] with clamped borders.
type Sharpen struct{}

func (Sharpen) Name() string { return "sharpen" }

func (Sharpen) Enhance(src *image.RGBA) (*image.RGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	at := func(x, y, c int) int {
		if x < 0 {
			x = 0
		} else if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		} else if y >= h {
			y = h - 1
		}
		return int(src.Pix[y*src.Stride+x*4+c])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				v := 5*at(x, y, c) - at(x-1, y, c) - at(x+1, y, c) - at(x, y-1, c) - at(x, y+1, c)
				dst.Pix[o+c] = clampByte(v)
			}
			dst.Pix[o+3] = 255
		}
	}
	return dst, nil
}

// Mask blacks out every pixel outside the active region of a static binary mask.
// The mask is rescaled to the frame size on first use and cached per size.
type Mask struct {
	src image.Image

	mu     sync.Mutex
	scaled *image.Gray
}

// NewMask wraps a mask image; bright pixels are active.
func NewMask(img image.Image) *Mask {
	return &Mask{src: img}
}

// LoadMask reads a PNG mask from disk.
func LoadMask(path string) (*Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	return NewMask(img), nil
}

func (m *Mask) Name() string { return "mask" }

func (m *Mask) Enhance(img *image.RGBA) (*image.RGBA, error) {
	b := img.Bounds()
	gray := m.forSize(b.Dx(), b.Dy())

	dst := Clone(img)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if gray.Pix[y*gray.Stride+x] >= 128 {
				continue
			}
			o := y*dst.Stride + x*4
			dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2] = 0, 0, 0
		}
	}
	return dst, nil
}

func (m *Mask) forSize(w, h int) *image.Gray {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scaled != nil && m.scaled.Rect.Dx() == w && m.scaled.Rect.Dy() == h {
		return m.scaled
	}
	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(gray, gray.Bounds(), m.src, m.src.Bounds(), draw.Src, nil)
	m.scaled = gray
	return gray
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
