package dto

import (
	"image"
	"math"
	"time"
)

// Box is a detection in original-image pixel coordinates.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}

// IoU returns the intersection-over-union of two boxes.
func (b Box) IoU(o Box) float64 {
	ix := math.Min(b.X2, o.X2) - math.Max(b.X1, o.X1)
	iy := math.Min(b.Y2, o.Y2) - math.Max(b.Y1, o.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := b.Area() + o.Area() - inter
	if union <= 1e-6 {
		return 0
	}
	return inter / union
}

// Rect returns the box rounded to integer pixels.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(math.Round(b.X1)), int(math.Round(b.Y1)), int(math.Round(b.X2)), int(math.Round(b.Y2)))
}

// DetectionResult is the outcome of processing one frame.
type DetectionResult struct {
	Counts      ItemCounts
	Boxes       []Box
	Annotated   image.Image
	ProcessedAt time.Time
	Latency     time.Duration
}

// EmptyResult returns a result with no counts; the annotated frame is the input itself.
func EmptyResult(frame image.Image) DetectionResult {
	return DetectionResult{
		Counts:      ItemCounts{},
		Annotated:   frame,
		ProcessedAt: time.Now(),
	}
}
