package ai

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"ppekiosk/internal/catalog"
	"ppekiosk/internal/config"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/service/vision"
)

// Inferencer runs the model on a CHW float tensor of a size×size image.
type Inferencer interface {
	Infer(input []float32, size int) (Output, error)
	Close() error
}

// Options are the tunables of the detection pipeline.
type Options struct {
	InferenceSize int
	WorkWidth     int
	WorkHeight    int
	ConfThreshold float64
	NMSThreshold  float64
	PerClassNMS   bool
	RemapIoU      float64
	NotAllowed    []string
}

// OptionsFromConfig reads the pipeline options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		InferenceSize: cfg.InferenceSize,
		WorkWidth:     cfg.WorkWidth,
		WorkHeight:    cfg.WorkHeight,
		ConfThreshold: cfg.ConfThreshold,
		NMSThreshold:  cfg.NMSThreshold,
		PerClassNMS:   cfg.PerClassNMS,
		RemapIoU:      cfg.RemapIoU,
		NotAllowed:    cfg.NotAllowed,
	}
}

// Engine turns raw frames into PPE item counts and an annotated frame.
type Engine struct {
	net        Inferencer
	enhancer   vision.Enhancer
	catalog    *catalog.Catalog
	opts       Options
	disallowed map[string]struct{}
	logger     *logger.Logger
	metrics    *metrics.Metrics

	// one inference at a time
	mu sync.Mutex
}

// NewEngine creates an engine. enhancer may be nil.
func NewEngine(net Inferencer, enhancer vision.Enhancer, cat *catalog.Catalog, opts Options, log *logger.Logger, m *metrics.Metrics) *Engine {
	disallowed := make(map[string]struct{}, len(opts.NotAllowed))
	for _, label := range opts.NotAllowed {
		disallowed[label] = struct{}{}
	}
	return &Engine{
		net:        net,
		enhancer:   enhancer,
		catalog:    cat,
		opts:       opts,
		disallowed: disallowed,
		logger:     log,
		metrics:    m,
	}
}

// Detect runs the full pipeline on one frame. When expected is non-nil only its labels are drawn.
// On failure it returns an empty result whose annotated frame is a plain copy of the input,
// together with the error.
func (e *Engine) Detect(frame image.Image, expected dto.ItemCounts) (result dto.DetectionResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInference, r)
		}
		if err != nil {
			if errors.Is(err, ErrUnexpectedShape) {
				e.metrics.ShapeErrors.Add(1)
				e.logger.Error("Detection skipped: %v", err)
			} else {
				e.metrics.InferenceErrors.Add(1)
				e.logger.Warning("Detection skipped: %v", err)
			}
			result = dto.EmptyResult(vision.Clone(frame))
			return
		}
		result.Latency = time.Since(start)
		e.metrics.ObserveDetection(result.Latency)
	}()

	if e.net == nil {
		return dto.DetectionResult{}, ErrNotReady
	}

	work := vision.Normalize(frame, e.opts.WorkWidth, e.opts.WorkHeight)
	input := work
	if e.enhancer != nil {
		enhanced, enhErr := e.enhancer.Enhance(work)
		if enhErr != nil {
			e.logger.Warning("Enhancement failed, using raw frame: %v", enhErr)
		} else {
			input = enhanced
		}
	}

	lb := vision.NewLetterbox(e.opts.WorkWidth, e.opts.WorkHeight, e.opts.InferenceSize)
	tensor := vision.Tensor(lb.Apply(input))

	out, err := e.infer(tensor)
	if err != nil {
		if errors.Is(err, ErrUnexpectedShape) {
			return dto.DetectionResult{}, err
		}
		return dto.DetectionResult{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	raw, err := decode(out, len(e.catalog.ClassNames), e.opts.ConfThreshold)
	if err != nil {
		return dto.DetectionResult{}, err
	}

	boxes := toBoxes(raw, frameGeometry{
		inferenceSize: e.opts.InferenceSize,
		scale:         lb.Scale,
		left:          float64(lb.Left),
		top:           float64(lb.Top),
		width:         float64(e.opts.WorkWidth),
		height:        float64(e.opts.WorkHeight),
	})
	boxes = NMS(boxes, e.opts.NMSThreshold, e.opts.PerClassNMS)
	for i := range boxes {
		boxes[i].Label = e.catalog.ClassLabel(boxes[i].ClassID)
	}
	boxes = filterLabels(boxes, e.disallowed)

	counts := Remap(boxes, e.catalog.References, e.opts.RemapIoU)
	if len(boxes) > 0 {
		e.logger.Debug("Detected %d boxes, counts %v", len(boxes), counts)
	}

	return dto.DetectionResult{
		Counts:      counts,
		Boxes:       boxes,
		Annotated:   vision.Annotate(work, boxes, e.catalog.Color, expected),
		ProcessedAt: time.Now(),
	}, nil
}

func (e *Engine) infer(tensor []float32) (Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Infer(tensor, e.opts.InferenceSize)
}

// Close releases the inference backend.
func (e *Engine) Close() error {
	if e.net == nil {
		return nil
	}
	return e.net.Close()
}
