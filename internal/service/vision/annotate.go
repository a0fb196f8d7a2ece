package vision

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"ppekiosk/internal/dto"
)

const boxThickness = 2

// Annotate draws each box with "label:confidence" on a copy of frame.
// When only is non-nil, boxes whose label is not a key of only are skipped.
func Annotate(frame image.Image, boxes []dto.Box, colorOf func(label string) color.RGBA, only dto.ItemCounts) *image.RGBA {
	dst := Clone(frame)
	face := basicfont.Face7x13

	for _, box := range boxes {
		if only != nil {
			if _, ok := only[box.Label]; !ok {
				continue
			}
		}
		col := colorOf(box.Label)
		r := box.Rect().Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		drawRect(dst, r, col, boxThickness)

		y := r.Min.Y - 4
		if y < face.Ascent {
			y = face.Ascent
		}
		d := font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(col),
			Face: face,
			Dot:  fixed.P(r.Min.X, y),
		}
		d.DrawString(fmt.Sprintf("%s:%.2f", box.Label, box.Confidence))
	}
	return dst
}

func drawRect(dst *image.RGBA, r image.Rectangle, col color.RGBA, t int) {
	src := image.NewUniform(col)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
