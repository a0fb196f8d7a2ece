package device

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ErrNoFrame means the capture returned nothing.
var ErrNoFrame = errors.New("camera returned no frame")

// Camera is a local capture device opened on demand for a session.
type Camera struct {
	index int

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func NewCamera(index int) *Camera {
	return &Camera{index: index}
}

// Open starts capturing; opening an open camera is a no-op.
func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != nil {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(c.index)
	if err != nil {
		return fmt.Errorf("failed to open camera %d: %w", c.index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("failed to open camera %d: %w", c.index, ErrNotFound)
	}
	c.capture = capture
	c.mat = gocv.NewMat()
	return nil
}

// Read grabs one frame.
func (c *Camera) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil, ErrNotConnected
	}

	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrNoFrame
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

// Release closes the capture; safe to call when closed.
func (c *Camera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return
	}
	c.capture.Close()
	c.mat.Close()
	c.capture = nil
}

// Opened reports whether the camera is capturing.
func (c *Camera) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil
}
