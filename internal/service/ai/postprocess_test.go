package ai

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppekiosk/internal/dto"
)

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func TestNMS_CollapsesOverlappingSameClass(t *testing.T) {
	a := dto.Box{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.7, ClassID: 1}
	b := dto.Box{X1: 0, Y1: 0, X2: 10, Y2: 8, Confidence: 0.9, ClassID: 1}
	require.InDelta(t, 0.8, a.IoU(b), 1e-9)

	kept := NMS([]dto.Box{a, b}, 0.45, false)

	require.Len(t, kept, 1)
	assert.Equal(t, b, kept[0])
}

func TestNMS_Idempotent(t *testing.T) {
	boxes := []dto.Box{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.9},
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Confidence: 0.8},
		{X1: 30, Y1: 30, X2: 40, Y2: 40, Confidence: 0.85},
		{X1: 5, Y1: 0, X2: 15, Y2: 10, Confidence: 0.95},
		{X1: 31, Y1: 29, X2: 41, Y2: 39, Confidence: 0.6},
	}

	once := NMS(boxes, 0.45, false)
	twice := NMS(once, 0.45, false)

	assert.Equal(t, once, twice)
	for i := 1; i < len(once); i++ {
		assert.GreaterOrEqual(t, once[i-1].Confidence, once[i].Confidence)
	}
}

func TestNMS_StableForEqualConfidence(t *testing.T) {
	first := dto.Box{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.8, ClassID: 1}
	second := dto.Box{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.8, ClassID: 2}

	kept := NMS([]dto.Box{first, second}, 0.5, false)

	require.Len(t, kept, 1)
	assert.Equal(t, 1, kept[0].ClassID)
}

func TestNMS_PerClassKeepsOtherClasses(t *testing.T) {
	boxes := []dto.Box{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.9, ClassID: 1},
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.8, ClassID: 6},
	}

	assert.Len(t, NMS(boxes, 0.5, true), 2)
	assert.Len(t, NMS(boxes, 0.5, false), 1)
}

func TestDecode_DirectClassScores(t *testing.T) {
	// 2 candidates, 4 box values + 3 classes
	out := Output{
		Shape: []int{2, 7},
		Data: []float32{
			10, 10, 4, 4, logit(0.1), logit(0.9), logit(0.2),
			20, 20, 4, 4, logit(0.3), logit(0.3), logit(0.3),
		},
	}

	raw, err := decode(out, 3, 0.6)

	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, 1, raw[0].class)
	assert.InDelta(t, 0.9, raw[0].score, 1e-5)
}

func TestDecode_ObjectnessLayout(t *testing.T) {
	// objectness + 2 classes
	out := Output{
		Shape: []int{2, 7},
		Data: []float32{
			10, 10, 4, 4, logit(0.9), logit(0.2), logit(0.8),
			20, 20, 4, 4, logit(0.5), logit(0.95), logit(0.1),
		},
	}

	raw, err := decode(out, 2, 0.6)

	require.NoError(t, err)
	require.Len(t, raw, 1, "0.5*0.95 is below the threshold")
	assert.Equal(t, 1, raw[0].class)
	assert.InDelta(t, 0.72, raw[0].score, 1e-5)
}

func TestDecode_TransposesAttributeMajor(t *testing.T) {
	// (1, 6, 8): 4 box rows + 2 class rows over 8 candidates
	lo, a, b := logit(0.1), logit(0.9), logit(0.7)
	out := Output{
		Shape: []int{1, 6, 8},
		Data: []float32{
			1, 2, 3, 4, 5, 6, 7, 8, // cx
			11, 12, 13, 14, 15, 16, 17, 18, // cy
			2, 2, 2, 2, 2, 2, 2, 2, // w
			2, 2, 2, 2, 2, 2, 2, 2, // h
			a, lo, lo, lo, lo, lo, lo, lo,
			lo, lo, b, lo, lo, lo, lo, lo,
		},
	}

	raw, err := decode(out, 2, 0.6)

	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, 1.0, raw[0].cx)
	assert.Equal(t, 11.0, raw[0].cy)
	assert.Equal(t, 0, raw[0].class)
	assert.Equal(t, 3.0, raw[1].cx)
	assert.Equal(t, 13.0, raw[1].cy)
	assert.Equal(t, 1, raw[1].class)
}

func TestDecode_ShapeErrors(t *testing.T) {
	cases := map[string]Output{
		"rank 4":         {Shape: []int{1, 1, 1, 7}, Data: make([]float32, 7)},
		"too few scores": {Shape: []int{1, 6}, Data: make([]float32, 6)},
		"size mismatch":  {Shape: []int{2, 7}, Data: make([]float32, 10)},
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(out, 3, 0.5)
			assert.True(t, errors.Is(err, ErrUnexpectedShape), "got %v", err)
		})
	}
}

func TestToBoxes_RescalesNormalizedAndClips(t *testing.T) {
	g := frameGeometry{inferenceSize: 100, scale: 0.5, left: 0, top: 10, width: 200, height: 160}
	raw := []rawBox{
		{cx: 0.5, cy: 0.5, w: 0.2, h: 0.2, score: 0.9},
		{cx: 0.95, cy: 0.5, w: 0.2, h: 0.2, score: 0.8},
	}

	boxes := toBoxes(raw, g)

	require.Len(t, boxes, 2)
	assert.InDelta(t, 80, boxes[0].X1, 1e-9)
	assert.InDelta(t, 120, boxes[0].X2, 1e-9)
	assert.InDelta(t, 60, boxes[0].Y1, 1e-9)
	assert.InDelta(t, 100, boxes[0].Y2, 1e-9)
	assert.InDelta(t, 200, boxes[1].X2, 1e-9, "clipped to the frame width")
}

func TestRemap(t *testing.T) {
	refs := map[string][]string{"Glove": {"Hand"}, "Cap": {}}
	hand := dto.Box{X1: 0, Y1: 0, X2: 10, Y2: 10, Label: "Hand"}
	nearGlove := dto.Box{X1: 5, Y1: 5, X2: 15, Y2: 15, Label: "Glove"}
	farGlove := dto.Box{X1: 50, Y1: 50, X2: 60, Y2: 60, Label: "Glove"}
	capBox := dto.Box{X1: 0, Y1: 0, X2: 5, Y2: 5, Label: "Cap"}
	osl := dto.Box{X1: 0, Y1: 0, X2: 5, Y2: 5, Label: "OSL"}

	t.Run("reference present filters targets", func(t *testing.T) {
		counts := Remap([]dto.Box{hand, nearGlove, farGlove, capBox}, refs, 0.01)
		assert.Equal(t, dto.ItemCounts{"Glove": 1, "Cap": 1}, counts)
	})
	t.Run("no reference counts all targets", func(t *testing.T) {
		counts := Remap([]dto.Box{nearGlove, farGlove}, refs, 0.01)
		assert.Equal(t, dto.ItemCounts{"Glove": 2}, counts)
	})
	t.Run("labels outside the map are not counted", func(t *testing.T) {
		counts := Remap([]dto.Box{osl, hand}, refs, 0.01)
		assert.Empty(t, counts)
	})
}

func TestFilterLabels(t *testing.T) {
	boxes := []dto.Box{{Label: "Arm"}, {Label: "Cap"}, {Label: "Arm"}}
	out := filterLabels(boxes, map[string]struct{}{"Arm": {}})

	require.Len(t, out, 1)
	assert.Equal(t, "Cap", out[0].Label)
	assert.Len(t, boxes, 3)
}
