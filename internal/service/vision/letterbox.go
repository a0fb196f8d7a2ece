package vision

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// PadColor fills the letterbox border.
var PadColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox records how an image was fitted into the square inference input.
type Letterbox struct {
	Size  int
	Scale float64
	Left  int
	Top   int
}

// NewLetterbox computes the fit of a width×height image into a size×size square.
func NewLetterbox(width, height, size int) Letterbox {
	s := math.Min(float64(size)/float64(height), float64(size)/float64(width))
	nh := int(math.Round(float64(height) * s))
	nw := int(math.Round(float64(width) * s))
	return Letterbox{
		Size:  size,
		Scale: s,
		Left:  (size - nw) / 2,
		Top:   (size - nh) / 2,
	}
}

// Apply resizes img preserving aspect ratio and pads it to the square.
func (l Letterbox) Apply(img image.Image) *image.RGBA {
	b := img.Bounds()
	nw := int(math.Round(float64(b.Dx()) * l.Scale))
	nh := int(math.Round(float64(b.Dy()) * l.Scale))

	dst := image.NewRGBA(image.Rect(0, 0, l.Size, l.Size))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(PadColor), image.Point{}, draw.Src)
	inner := image.Rect(l.Left, l.Top, l.Left+nw, l.Top+nh)
	draw.BiLinear.Scale(dst, inner, img, b, draw.Src, nil)
	return dst
}

// ToOriginal maps a point in letterbox pixels back to the original image.
func (l Letterbox) ToOriginal(x, y float64) (float64, float64) {
	return (x - float64(l.Left)) / l.Scale, (y - float64(l.Top)) / l.Scale
}

// ToLetterbox maps a point in original pixels into the letterbox.
func (l Letterbox) ToLetterbox(x, y float64) (float64, float64) {
	return x*l.Scale + float64(l.Left), y*l.Scale + float64(l.Top)
}

// Tensor packs a square RGBA image into a CHW float32 tensor (RGB order, scaled to [0,1]).
func Tensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := y*w + x
			out[i] = float32(p[0]) / 255
			out[plane+i] = float32(p[1]) / 255
			out[2*plane+i] = float32(p[2]) / 255
		}
	}
	return out
}
