package session

import (
	"image"

	"ppekiosk/internal/metrics"
)

// FrameQueue is a single-slot buffer between the camera loop and the session tick.
// Push keeps the queued frame and drops the new one when full; neither side ever blocks.
type FrameQueue struct {
	ch      chan image.Image
	metrics *metrics.Metrics
}

// NewFrameQueue creates an empty queue.
func NewFrameQueue(m *metrics.Metrics) *FrameQueue {
	return &FrameQueue{
		ch:      make(chan image.Image, 1),
		metrics: m,
	}
}

// Push offers a frame and reports whether it was stored.
func (q *FrameQueue) Push(frame image.Image) bool {
	q.metrics.FramesPushed.Add(1)
	select {
	case q.ch <- frame:
		return true
	default:
		q.metrics.FramesDropped.Add(1)
		return false
	}
}

// Pop takes the queued frame, if any.
func (q *FrameQueue) Pop() (image.Image, bool) {
	select {
	case frame := <-q.ch:
		return frame, true
	default:
		return nil, false
	}
}

// Drain discards the queued frame.
func (q *FrameQueue) Drain() {
	select {
	case <-q.ch:
	default:
	}
}

// Len returns 0 or 1.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Dropped returns how many frames were dropped because the queue was full.
func (q *FrameQueue) Dropped() uint64 {
	return q.metrics.FramesDropped.Load()
}
