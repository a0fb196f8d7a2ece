package onnx

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"ppekiosk/internal/service/vision"
)

// Contrast brightens the value channel with CLAHE (clip 1.5, 4x4 tiles).
type Contrast struct {
	ClipLimit float64
	Tiles     int
}

// NewContrast returns the enhancer with the default parameters.
func NewContrast() Contrast {
	return Contrast{ClipLimit: 1.5, Tiles: 4}
}

func (c Contrast) Name() string { return "contrast" }

func (c Contrast) Enhance(img *image.RGBA) (*image.RGBA, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %v", err)
	}
	defer mat.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	if err := gocv.CvtColor(mat, &hsv, gocv.ColorBGRToHSV); err != nil {
		return nil, fmt.Errorf("failed to convert image to HSV: %v", err)
	}

	channels := gocv.Split(hsv)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()
	if len(channels) != 3 {
		return nil, fmt.Errorf("expected 3 channels, got %d", len(channels))
	}

	clahe := gocv.NewCLAHEWithParams(c.ClipLimit, image.Pt(c.Tiles, c.Tiles))
	defer clahe.Close()
	value := gocv.NewMat()
	defer value.Close()
	clahe.Apply(channels[2], &value)
	value.CopyTo(&channels[2])

	gocv.Merge(channels, &hsv)
	if err := gocv.CvtColor(hsv, &mat, gocv.ColorHSVToBGR); err != nil {
		return nil, fmt.Errorf("failed to convert image to BGR: %v", err)
	}

	out, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert mat: %v", err)
	}
	return vision.ToRGBA(out), nil
}
