// Package onnx is the OpenCV-backed inference backend and contrast enhancer.
package onnx

import (
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"ppekiosk/internal/logger"
	"ppekiosk/internal/service/ai"
)

// Net wraps an OpenCV DNN network loaded from an ONNX file.
type Net struct {
	net    gocv.Net
	mu     sync.Mutex
	logger *logger.Logger
}

// Load reads the model and sets backend/target preferences.
func Load(modelPath string, log *logger.Logger) (*Net, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	log.Info("Detection network initialized from %s", modelPath)
	return &Net{net: net, logger: log}, nil
}

// Infer feeds a 1×3×size×size tensor and returns the first output.
func (n *Net) Infer(input []float32, size int) (ai.Output, error) {
	if len(input) != 3*size*size {
		return ai.Output{}, fmt.Errorf("input has %d values, want %d", len(input), 3*size*size)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	blob := gocv.NewMatWithSizes([]int{1, 3, size, size}, gocv.MatTypeCV32F)
	defer blob.Close()
	dst, err := blob.DataPtrFloat32()
	if err != nil {
		return ai.Output{}, fmt.Errorf("failed to access input blob: %w", err)
	}
	copy(dst, input)

	n.net.SetInput(blob, "")
	out := n.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return ai.Output{}, fmt.Errorf("network returned an empty output")
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return ai.Output{}, fmt.Errorf("%w: %v", ai.ErrUnexpectedShape, err)
	}

	result := ai.Output{
		Shape: out.Size(),
		Data:  make([]float32, len(data)),
	}
	copy(result.Data, data)
	return result, nil
}

// Close releases the network.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.net.Close()
}
