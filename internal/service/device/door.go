package device

import (
	"errors"
	"sync"
	"time"

	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
)

// ErrSuppressed is returned when a door open is refused because the interlock is active.
var ErrSuppressed = errors.New("door open suppressed: safety interlock active")

// Gate reports whether the safety interlock is active.
type Gate interface {
	Active() bool
}

// CoilWriter drives one digital output.
type CoilWriter interface {
	WriteCoil(ch int, on bool) error
}

type DoorConfig struct {
	Channel     int
	ActiveOpens bool
	AutoClose   time.Duration
}

// Door controls the door relay.
type Door struct {
	out     CoilWriter
	gate    Gate
	cfg     DoorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	open  bool
	timer *time.Timer
}

// NewDoor creates a door controller; gate may be set later with SetGate.
func NewDoor(out CoilWriter, gate Gate, cfg DoorConfig, log *logger.Logger, m *metrics.Metrics) *Door {
	return &Door{out: out, gate: gate, cfg: cfg, logger: log, metrics: m}
}

func (d *Door) SetGate(g Gate) {
	d.mu.Lock()
	d.gate = g
	d.mu.Unlock()
}

// Open energizes the door output and schedules the auto-close.
func (d *Door) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// read right before actuation
	if d.gate != nil && d.gate.Active() {
		d.metrics.DoorSuppressions.Add(1)
		d.logger.Debug("Door open suppressed: interlock active")
		return ErrSuppressed
	}

	if err := d.out.WriteCoil(d.cfg.Channel, d.cfg.ActiveOpens); err != nil {
		d.logger.Error("Failed to open door: %v", err)
		return err
	}
	d.open = true
	d.metrics.DoorOpens.Add(1)
	d.logger.Info("Door opened")

	if d.timer != nil {
		d.timer.Stop()
	}
	if d.cfg.AutoClose > 0 {
		d.timer = time.AfterFunc(d.cfg.AutoClose, func() {
			if err := d.Close(); err != nil {
				d.logger.Warning("Door auto-close failed: %v", err)
			}
		})
	}
	return nil
}

// Close drives the output to the closed level and cancels a pending auto-close.
func (d *Door) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if err := d.out.WriteCoil(d.cfg.Channel, !d.cfg.ActiveOpens); err != nil {
		return err
	}
	if d.open {
		d.logger.Info("Door closed")
	}
	d.open = false
	return nil
}

// Lock forces the door closed; used when the interlock activates.
func (d *Door) Lock() {
	if err := d.Close(); err != nil {
		d.logger.Error("Failed to lock door: %v", err)
	}
}

// IsOpen reports the last commanded state.
func (d *Door) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
