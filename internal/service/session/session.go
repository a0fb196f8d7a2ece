// Package session implements the validation session: a deadline-bound state machine
// that pulls frames, runs detection and resolves to PASS, TIMEOUT or ABORTED.
package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
)

type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusPass    Status = "PASS"
	StatusTimeout Status = "TIMEOUT"
	StatusAborted Status = "ABORTED"
)

// Reason explains how a session ended.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonMatched      Reason = "MATCHED"
	ReasonTimeout      Reason = "TIMEOUT"
	ReasonEmergency    Reason = "EMERGENCY"
	ReasonCameraLost   Reason = "CAMERA_DISCONNECTED"
	ReasonManual       Reason = "MANUAL"
	ReasonReset        Reason = "RESET"
	ReasonShuttingDown Reason = "SHUTDOWN"
)

var (
	ErrAlreadyRunning = errors.New("validation session already running")
	ErrSuppressed     = errors.New("validation suppressed: safety interlock active")
)

// Detector runs the detection pipeline on one frame.
type Detector interface {
	Detect(frame image.Image, expected dto.ItemCounts) (dto.DetectionResult, error)
}

// Gate reports whether the safety interlock is active.
type Gate interface {
	Active() bool
}

// Observer receives session notifications. Calls are made outside the session lock.
type Observer interface {
	OnDetection(snap Snapshot, result dto.DetectionResult)
	OnDone(outcome Outcome)
}

// Outcome is delivered exactly once per started session.
type Outcome struct {
	ID        string
	Status    Status
	Reason    Reason
	Expected  dto.ItemCounts
	Detected  dto.ItemCounts
	Missing   dto.ItemCounts
	Annotated image.Image
	StartedAt time.Time
	EndedAt   time.Time
}

// Snapshot is a consistent read of the session state.
type Snapshot struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Reason       Reason         `json:"reason"`
	Expected     dto.ItemCounts `json:"expected"`
	LastDetected dto.ItemCounts `json:"last_detected"`
	Missing      dto.ItemCounts `json:"missing"`
	StartedAt    time.Time      `json:"started_at"`
	RemainingS   int            `json:"remaining_s"`
}

type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// Now is the clock used for deadlines; defaults to time.Now.
	Now func() time.Time
}

type Session struct {
	queue    *FrameQueue
	detector Detector
	gate     Gate
	observer Observer
	logger   *logger.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	mu            sync.Mutex
	status        Status
	reason        Reason
	id            string
	expected      dto.ItemCounts
	startedAt     time.Time
	lastDetected  dto.ItemCounts
	lastAnnotated image.Image
	// generation changes on every start, stop and reset so stale ticks can tell.
	generation uint64
}

// New creates an idle session. gate and observer may be nil.
func New(queue *FrameQueue, detector Detector, gate Gate, observer Observer, opts Options, log *logger.Logger, m *metrics.Metrics) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		queue:    queue,
		detector: detector,
		gate:     gate,
		observer: observer,
		logger:   log,
		metrics:  m,
		timeout:  opts.Timeout,
		interval: opts.PollInterval,
		now:      opts.Now,
		status:   StatusIdle,
	}
}

// SetObserver replaces the observer. Used during wiring.
func (s *Session) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start begins a session for the expected set and returns its id.
func (s *Session) Start(expected dto.ItemCounts) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// checked under the lock so an activation racing this call either
	// suppresses it or finds it RUNNING and aborts it
	if s.gate != nil && s.gate.Active() {
		s.logger.Debug("Session start suppressed: interlock active")
		return "", ErrSuppressed
	}
	if s.status == StatusRunning {
		return s.id, ErrAlreadyRunning
	}

	s.status = StatusRunning
	s.reason = ReasonNone
	s.id = uuid.NewString()
	s.expected = expected.Normalized()
	s.startedAt = s.now()
	s.lastDetected = nil
	s.lastAnnotated = nil
	s.generation++
	s.queue.Drain()

	s.metrics.SessionsStarted.Add(1)
	s.logger.Info("Validation session %s started, expecting %v", s.id, s.expected)
	return s.id, nil
}

// Run ticks at the poll interval until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop(ReasonShuttingDown)
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one step and returns the status after it. It is a no-op unless RUNNING.
func (s *Session) Tick() Status {
	s.mu.Lock()
	if s.status != StatusRunning {
		status := s.status
		s.mu.Unlock()
		return status
	}
	gen := s.generation
	expected := s.expected.Clone()
	startedAt := s.startedAt
	s.mu.Unlock()

	if s.now().Sub(startedAt) >= s.timeout {
		s.finish(gen, StatusTimeout, ReasonTimeout)
		return s.Status()
	}

	frame, ok := s.queue.Pop()
	if !ok {
		return StatusRunning
	}

	result, err := s.detector.Detect(frame, expected)
	if err != nil {
		s.logger.Debug("Frame skipped: %v", err)
		return StatusRunning
	}

	s.mu.Lock()
	if s.status != StatusRunning || s.generation != gen {
		status := s.status
		s.mu.Unlock()
		return status
	}
	s.lastDetected = result.Counts.Clone()
	s.lastAnnotated = result.Annotated
	snap := s.snapshotLocked()
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer.OnDetection(snap, result)
	}

	if result.Counts.Equal(expected) {
		s.finish(gen, StatusPass, ReasonMatched)
		return s.Status()
	}
	return StatusRunning
}

// Stop aborts a running session. It reports whether this call ended the session.
func (s *Session) Stop(reason Reason) bool {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.finish(gen, StatusAborted, reason)
}

// finish moves a RUNNING session of generation gen to a terminal status and notifies once.
func (s *Session) finish(gen uint64, status Status, reason Reason) bool {
	s.mu.Lock()
	if s.status != StatusRunning || s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.status = status
	s.reason = reason
	s.generation++

	detected := s.lastDetected.Clone()
	outcome := Outcome{
		ID:        s.id,
		Status:    status,
		Reason:    reason,
		Expected:  s.expected.Clone(),
		Detected:  detected,
		Missing:   detected.Missing(s.expected),
		Annotated: s.lastAnnotated,
		StartedAt: s.startedAt,
		EndedAt:   s.now(),
	}
	observer := s.observer
	s.mu.Unlock()

	switch status {
	case StatusPass:
		s.metrics.SessionsPassed.Add(1)
	case StatusTimeout:
		s.metrics.SessionsTimedOut.Add(1)
	case StatusAborted:
		s.metrics.SessionsAborted.Add(1)
	}
	s.logger.Info("Validation session %s finished: %s (%s)", outcome.ID, status, reason)

	if observer != nil {
		observer.OnDone(outcome)
	}
	return true
}

// Reset aborts a running session and returns to IDLE with all state cleared.
func (s *Session) Reset() {
	s.Stop(ReasonReset)

	s.mu.Lock()
	s.status = StatusIdle
	s.reason = ReasonNone
	s.id = ""
	s.expected = nil
	s.startedAt = time.Time{}
	s.lastDetected = nil
	s.lastAnnotated = nil
	s.generation++
	s.mu.Unlock()

	s.queue.Drain()
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether a session is RUNNING.
func (s *Session) Running() bool {
	return s.Status() == StatusRunning
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		Status:       s.status,
		Reason:       s.reason,
		Expected:     s.expected.Clone(),
		LastDetected: s.lastDetected.Clone(),
		Missing:      s.lastDetected.Missing(s.expected),
		StartedAt:    s.startedAt,
	}
	if s.status == StatusRunning {
		remaining := s.timeout - s.now().Sub(s.startedAt)
		if remaining < 0 {
			remaining = 0
		}
		snap.RemainingS = int(remaining.Round(time.Second) / time.Second)
	}
	return snap
}
