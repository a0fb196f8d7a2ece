// Package device supervises the kiosk hardware: serial RFID reader and door board,
// the Modbus fieldbus module, the camera and the door relay.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
)

var (
	// ErrNotFound means the device is not enumerated on the bus.
	ErrNotFound = errors.New("device not found")
	// ErrNotConnected means the handle is closed.
	ErrNotConnected = errors.New("device not connected")
)

// Device is anything the watchdog can open, health-check and close.
type Device interface {
	Name() string
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ConnectivityListener is told about losses and restorations, once per transition.
type ConnectivityListener interface {
	DeviceLost(name string, safety bool)
	DeviceRestored(name string, safety bool)
}

// DeviceState is written only by the owning watchdog loop.
type DeviceState struct {
	connected  atomic.Bool
	lastChange atomic.Int64
	retries    atomic.Uint64
}

func (s *DeviceState) Connected() bool { return s.connected.Load() }

func (s *DeviceState) Retries() uint64 { return s.retries.Load() }

func (s *DeviceState) LastChange() time.Time {
	ns := s.lastChange.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WatchdogConfig holds the timing of one watchdog.
type WatchdogConfig struct {
	// Safety devices hold the interlock active while lost.
	Safety        bool
	Backoff       time.Duration
	CheckInterval time.Duration
	LogCooldown   time.Duration
}

// Watchdog keeps one device open, reconnecting with a fixed backoff.
type Watchdog struct {
	device   Device
	cfg      WatchdogConfig
	listener ConnectivityListener
	logger   *logger.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	state    DeviceState
}

// NewWatchdog creates a watchdog; listener may be nil.
func NewWatchdog(d Device, cfg WatchdogConfig, listener ConnectivityListener, log *logger.Logger, m *metrics.Metrics) *Watchdog {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 3 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.LogCooldown <= 0 {
		cfg.LogCooldown = 5 * time.Second
	}
	return &Watchdog{
		device:   d,
		cfg:      cfg,
		listener: listener,
		logger:   log,
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Every(cfg.LogCooldown), 1),
	}
}

// Name returns the supervised device name.
func (w *Watchdog) Name() string { return w.device.Name() }

// Safety reports whether the device is safety-significant.
func (w *Watchdog) Safety() bool { return w.cfg.Safety }

// State exposes the device state for status reporting.
func (w *Watchdog) State() *DeviceState { return &w.state }

// Run supervises the device until ctx is cancelled, then closes it.
func (w *Watchdog) Run(ctx context.Context) {
	name := w.device.Name()
	lost := false

	defer func() {
		if err := w.device.Close(); err != nil {
			w.logger.Debug("%s close: %v", name, err)
		}
	}()

	for ctx.Err() == nil {
		if !w.state.Connected() {
			if err := w.call(ctx, w.device.Connect); err != nil {
				w.state.retries.Add(1)
				w.metrics.DeviceRetry(name)
				if !lost {
					lost = true
					w.setConnected(false)
					w.logger.Error("%s not available: %v", name, err)
					if w.listener != nil {
						w.listener.DeviceLost(name, w.cfg.Safety)
					}
				} else if w.limiter.Allow() {
					w.logger.Warning("%s not available, retrying in %s: %v", name, w.cfg.Backoff, err)
				}
				if !sleepCtx(ctx, w.cfg.Backoff) {
					return
				}
				continue
			}

			w.setConnected(true)
			w.logger.Info("%s connected", name)
			if lost {
				lost = false
				if w.listener != nil {
					w.listener.DeviceRestored(name, w.cfg.Safety)
				}
			}
		}

		if !sleepCtx(ctx, w.cfg.CheckInterval) {
			return
		}

		if err := w.call(ctx, w.device.Ping); err != nil {
			w.logger.Warning("%s health check failed: %v", name, err)
			if cerr := w.call(ctx, func(context.Context) error { return w.device.Close() }); cerr != nil {
				w.logger.Debug("%s close: %v", name, cerr)
			}
			lost = true
			w.setConnected(false)
			if w.listener != nil {
				w.listener.DeviceLost(name, w.cfg.Safety)
			}
		}
	}
}

func (w *Watchdog) setConnected(connected bool) {
	w.state.connected.Store(connected)
	w.state.lastChange.Store(time.Now().UnixNano())
	w.metrics.SetDeviceConnected(w.device.Name(), connected)
}

// call runs fn and converts a panic inside the driver into an error.
func (w *Watchdog) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", w.device.Name(), r)
		}
	}()
	return fn(ctx)
}

// sleepCtx waits for d or until ctx is done; it reports whether the wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
