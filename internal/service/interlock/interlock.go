// Package interlock holds the kiosk in a safe state while the emergency stop is pressed
// or a safety-significant device is lost.
package interlock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/service/device"
	"ppekiosk/internal/service/session"
)

// SourceEmergencyStop names the e-stop input as an interlock source.
const SourceEmergencyStop = "emergency_stop"

// Inputs reads raw discrete input levels.
type Inputs interface {
	ReadInputs() ([]bool, error)
}

type Door interface {
	Open() error
	Lock()
}

type Session interface {
	Stop(reason session.Reason) bool
}

type Camera interface {
	Release()
}

type CardReader interface {
	Suspend()
	Resume()
}

// Listener is told about transitions. Calls are serialized with the transitions
// themselves and must not call back into the Interlock's mutating methods.
type Listener interface {
	EmergencyTriggered(source string)
	EmergencyCleared(source string)
	DeviceChanged(name string, connected bool)
}

type Config struct {
	PollInterval       time.Duration
	EmergencyInput     int
	ButtonInput        int
	EmergencyActiveLow bool
	ButtonActiveLow    bool
	LogCooldown        time.Duration
}

// Actuators are the components driven into the safe state.
type Actuators struct {
	Door    Door
	Session Session
	Camera  Camera
	Reader  CardReader
}

type Interlock struct {
	inputs   Inputs
	act      Actuators
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	listener Listener

	active atomic.Bool

	mu         sync.Mutex
	estop      bool
	faults     map[string]bool
	button     bool
	lastActive time.Time
}

func New(inputs Inputs, act Actuators, cfg Config, log *logger.Logger, m *metrics.Metrics) *Interlock {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LogCooldown <= 0 {
		cfg.LogCooldown = 5 * time.Second
	}
	return &Interlock{
		inputs:  inputs,
		act:     act,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		limiter: rate.NewLimiter(rate.Every(cfg.LogCooldown), 1),
		faults:  make(map[string]bool),
	}
}

// SetListener must be called before Run.
func (l *Interlock) SetListener(listener Listener) {
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
}

// SetSession attaches the validation session, which itself consults the interlock
// as its gate. Must be called before Run.
func (l *Interlock) SetSession(s Session) {
	l.mu.Lock()
	l.act.Session = s
	l.mu.Unlock()
}

// Active reports whether the interlock currently suppresses session starts and door opens.
func (l *Interlock) Active() bool {
	return l.active.Load()
}

// State is a point-in-time view for status reporting.
type State struct {
	Active        bool      `json:"active"`
	EmergencyStop bool      `json:"emergency_stop"`
	Faults        []string  `json:"faults,omitempty"`
	LastActive    time.Time `json:"last_active"`
}

func (l *Interlock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{Active: l.active.Load(), EmergencyStop: l.estop, LastActive: l.lastActive}
	for name := range l.faults {
		st.Faults = append(st.Faults, name)
	}
	sort.Strings(st.Faults)
	return st
}

// Run polls the inputs until ctx is cancelled.
func (l *Interlock) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll()
		}
	}
}

// poll reads the inputs once. On a read failure the last known state is kept.
func (l *Interlock) poll() {
	raw, err := l.inputs.ReadInputs()
	if err != nil {
		if !errors.Is(err, device.ErrNotConnected) && l.limiter.Allow() {
			l.logger.Warning("Failed to read safety inputs: %v", err)
		}
		return
	}
	if l.cfg.EmergencyInput >= len(raw) || l.cfg.ButtonInput >= len(raw) {
		if l.limiter.Allow() {
			l.logger.Error("Safety input response too short: %d inputs", len(raw))
		}
		return
	}

	estop := raw[l.cfg.EmergencyInput] != l.cfg.EmergencyActiveLow
	pressed := raw[l.cfg.ButtonInput] != l.cfg.ButtonActiveLow

	l.mu.Lock()
	l.estop = estop
	l.apply(SourceEmergencyStop)
	rising := pressed && !l.button
	l.button = pressed
	l.mu.Unlock()

	if rising && l.act.Door != nil {
		l.logger.Info("Door button pressed")
		if err := l.act.Door.Open(); err != nil && !errors.Is(err, device.ErrSuppressed) {
			l.logger.Warning("Door button open failed: %v", err)
		}
	}
}

// DeviceLost implements device.ConnectivityListener.
func (l *Interlock) DeviceLost(name string, safety bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		l.listener.DeviceChanged(name, false)
	}
	if safety {
		l.faults[name] = true
		l.apply(name)
	}
}

// DeviceRestored implements device.ConnectivityListener.
func (l *Interlock) DeviceRestored(name string, safety bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		l.listener.DeviceChanged(name, true)
	}
	if safety {
		delete(l.faults, name)
		l.apply(name)
	}
}

// apply performs the transition implied by the current sources. Callers hold mu.
func (l *Interlock) apply(source string) {
	next := l.estop || len(l.faults) > 0
	if next == l.active.Load() {
		return
	}

	if next {
		l.lastActive = time.Now()
		l.active.Store(true)
		l.metrics.SetInterlock(true)
		l.metrics.EmergencyEvents.Add(1)
		l.logger.Error("Safety interlock active (%s)", source)

		if l.act.Door != nil {
			l.act.Door.Lock()
		}
		if l.act.Session != nil {
			l.act.Session.Stop(session.ReasonEmergency)
		}
		if l.act.Camera != nil {
			l.act.Camera.Release()
		}
		if l.act.Reader != nil {
			l.act.Reader.Suspend()
		}
		if l.listener != nil {
			l.listener.EmergencyTriggered(source)
		}
		return
	}

	l.active.Store(false)
	l.metrics.SetInterlock(false)
	l.logger.Info("Safety interlock cleared (%s)", source)
	if l.act.Reader != nil {
		l.act.Reader.Resume()
	}
	if l.listener != nil {
		l.listener.EmergencyCleared(source)
	}
}
