package ai

import (
	"fmt"
	"math"
	"sort"

	"ppekiosk/internal/dto"
)

// maxAttributeRows bounds the attribute axis of an attribute-major (1, a, n) output.
const maxAttributeRows = 20

// Output is a raw model output tensor.
type Output struct {
	Shape []int
	Data  []float32
}

// candidates is a row-major view of the output: one row per candidate, 4 box values then score channels.
type candidates struct {
	rows, cols int
	data       []float32
}

func (c candidates) at(r, col int) float32 { return c.data[r*c.cols+col] }

// toCandidates flattens the output to candidate-major rows, transposing attribute-major layouts.
func toCandidates(out Output) (candidates, error) {
	switch len(out.Shape) {
	case 2:
		rows, cols := out.Shape[0], out.Shape[1]
		if rows*cols != len(out.Data) {
			return candidates{}, fmt.Errorf("%w: shape %v does not match %d values", ErrUnexpectedShape, out.Shape, len(out.Data))
		}
		return candidates{rows: rows, cols: cols, data: out.Data}, nil
	case 3:
		b, a, n := out.Shape[0], out.Shape[1], out.Shape[2]
		if b != 1 || a*n != len(out.Data) {
			return candidates{}, fmt.Errorf("%w: shape %v does not match %d values", ErrUnexpectedShape, out.Shape, len(out.Data))
		}
		if a <= maxAttributeRows && n > a {
			t := make([]float32, len(out.Data))
			for i := 0; i < a; i++ {
				for j := 0; j < n; j++ {
					t[j*a+i] = out.Data[i*n+j]
				}
			}
			return candidates{rows: n, cols: a, data: t}, nil
		}
		return candidates{rows: a, cols: n, data: out.Data}, nil
	default:
		return candidates{}, fmt.Errorf("%w: rank %d", ErrUnexpectedShape, len(out.Shape))
	}
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}

// rawBox is a candidate that passed the confidence threshold, still in center-size letterbox units.
type rawBox struct {
	cx, cy, w, h float64
	score        float64
	class        int
}

// decode scores every candidate and keeps the ones at or above confThreshold.
// With more score channels than classes the first channel is objectness and
// the class scores are the last numClasses channels, each multiplied by it.
func decode(out Output, numClasses int, confThreshold float64) ([]rawBox, error) {
	c, err := toCandidates(out)
	if err != nil {
		return nil, err
	}
	channels := c.cols - 4
	if channels < numClasses || numClasses <= 0 {
		return nil, fmt.Errorf("%w: %d score channels for %d classes", ErrUnexpectedShape, channels, numClasses)
	}
	useObjectness := channels > numClasses

	scores := make([]float64, channels)
	var kept []rawBox
	for r := 0; r < c.rows; r++ {
		for ch := 0; ch < channels; ch++ {
			scores[ch] = sigmoid(c.at(r, 4+ch))
		}
		classScores := scores
		if useObjectness {
			obj := scores[0]
			for ch := 1; ch < channels; ch++ {
				scores[ch] *= obj
			}
			classScores = scores[channels-numClasses:]
		}

		best, bestID := classScores[0], 0
		for id, s := range classScores[1:] {
			if s > best {
				best, bestID = s, id+1
			}
		}
		if best < confThreshold {
			continue
		}
		kept = append(kept, rawBox{
			cx:    float64(c.at(r, 0)),
			cy:    float64(c.at(r, 1)),
			w:     float64(c.at(r, 2)),
			h:     float64(c.at(r, 3)),
			score: best,
			class: bestID,
		})
	}
	return kept, nil
}

// frameGeometry converts letterbox coordinates back to the working frame.
type frameGeometry struct {
	inferenceSize int
	scale         float64
	left, top     float64
	width, height float64
}

// toBoxes converts center-size boxes to clipped corner boxes in frame pixels.
// Normalized outputs are detected by the median right edge and rescaled first.
func toBoxes(raw []rawBox, g frameGeometry) []dto.Box {
	if len(raw) == 0 {
		return nil
	}
	boxes := make([]dto.Box, len(raw))
	x2s := make([]float64, len(raw))
	for i, r := range raw {
		boxes[i] = dto.Box{
			X1:         r.cx - r.w/2,
			Y1:         r.cy - r.h/2,
			X2:         r.cx + r.w/2,
			Y2:         r.cy + r.h/2,
			Confidence: r.score,
			ClassID:    r.class,
		}
		x2s[i] = boxes[i].X2
	}

	factor := 1.0
	if median(x2s) <= 1.5 {
		factor = float64(g.inferenceSize)
	}
	for i := range boxes {
		b := &boxes[i]
		b.X1 = clip((b.X1*factor-g.left)/g.scale, g.width)
		b.X2 = clip((b.X2*factor-g.left)/g.scale, g.width)
		b.Y1 = clip((b.Y1*factor-g.top)/g.scale, g.height)
		b.Y2 = clip((b.Y2*factor-g.top)/g.scale, g.height)
	}
	return boxes
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func clip(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// NMS runs greedy non-maximum suppression. Boxes are visited by confidence descending
// (stable for ties); a box is dropped when its IoU with an already kept box reaches
// threshold. With perClass set only boxes of the same class suppress each other.
func NMS(boxes []dto.Box, threshold float64, perClass bool) []dto.Box {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return boxes[order[a]].Confidence > boxes[order[b]].Confidence
	})

	kept := make([]dto.Box, 0, len(boxes))
	for _, idx := range order {
		cand := boxes[idx]
		suppressed := false
		for _, k := range kept {
			if perClass && k.ClassID != cand.ClassID {
				continue
			}
			if k.IoU(cand) >= threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// filterLabels drops boxes whose label is in the disallowed set.
func filterLabels(boxes []dto.Box, disallowed map[string]struct{}) []dto.Box {
	if len(disallowed) == 0 {
		return boxes
	}
	out := boxes[:0:0]
	for _, b := range boxes {
		if _, bad := disallowed[b.Label]; !bad {
			out = append(out, b)
		}
	}
	return out
}

// Remap counts target labels. A target is only counted against its reference labels
// when any reference box is present: then it must overlap one with IoU >= threshold.
// Labels that are not keys of references are not counted.
func Remap(boxes []dto.Box, references map[string][]string, threshold float64) dto.ItemCounts {
	byLabel := make(map[string][]dto.Box)
	for _, b := range boxes {
		byLabel[b.Label] = append(byLabel[b.Label], b)
	}

	counts := dto.ItemCounts{}
	for target, refLabels := range references {
		targets := byLabel[target]
		if len(targets) == 0 {
			continue
		}
		var refs []dto.Box
		for _, rl := range refLabels {
			refs = append(refs, byLabel[rl]...)
		}
		if len(refs) == 0 {
			counts[target] = len(targets)
			continue
		}
		n := 0
		for _, t := range targets {
			for _, r := range refs {
				if t.IoU(r) >= threshold {
					n++
					break
				}
			}
		}
		if n > 0 {
			counts[target] = n
		}
	}
	return counts
}
