package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the part of serial.Port the kiosk uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// PortLister enumerates serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// PortOpener opens a port by name.
type PortOpener func(name string, baud int) (Port, error)

// SerialConfig identifies a USB serial adapter.
type SerialConfig struct {
	VendorID    uint16
	ProductID   uint16
	BaudRate    int
	ReadTimeout time.Duration
}

func (c SerialConfig) String() string {
	return fmt.Sprintf("%04X:%04X", c.VendorID, c.ProductID)
}

// OpenSerial opens a real serial port in 8N1 mode.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindPort returns the name of the first USB port matching vid/pid.
func FindPort(list PortLister, vid, pid uint16) (string, error) {
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports: %w", err)
	}
	wantVID, wantPID := fmt.Sprintf("%04X", vid), fmt.Sprintf("%04X", pid)
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, wantVID) && strings.EqualFold(p.PID, wantPID) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s:%s", ErrNotFound, wantVID, wantPID)
}

// SerialDevice is a USB serial device located by VID/PID. All port I/O goes through
// WithPort, which holds the device lock for the whole exchange.
type SerialDevice struct {
	name string
	cfg  SerialConfig
	list PortLister
	open PortOpener

	mu   sync.Mutex
	port Port
	path string
}

// NewSerialDevice creates a device using the system enumerator.
func NewSerialDevice(name string, cfg SerialConfig) *SerialDevice {
	return NewSerialDeviceWith(name, cfg, enumerator.GetDetailedPortsList, OpenSerial)
}

// NewSerialDeviceWith allows replacing enumeration and opening.
func NewSerialDeviceWith(name string, cfg SerialConfig, list PortLister, open PortOpener) *SerialDevice {
	return &SerialDevice{name: name, cfg: cfg, list: list, open: open}
}

func (d *SerialDevice) Name() string { return d.name }

// Connect locates and opens the port, replacing any previous handle.
func (d *SerialDevice) Connect(ctx context.Context) error {
	path, err := FindPort(d.list, d.cfg.VendorID, d.cfg.ProductID)
	if err != nil {
		return err
	}
	port, err := d.open(path, d.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if d.cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(d.cfg.ReadTimeout); err != nil {
			port.Close()
			return fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		d.port.Close()
	}
	d.port, d.path = port, path
	return nil
}

// Ping checks that the port is open and still enumerated under the same name.
func (d *SerialDevice) Ping(ctx context.Context) error {
	d.mu.Lock()
	open, path := d.port != nil, d.path
	d.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	current, err := FindPort(d.list, d.cfg.VendorID, d.cfg.ProductID)
	if err != nil {
		return err
	}
	if current != path {
		return fmt.Errorf("%w: %s moved from %s to %s", ErrNotFound, d.name, path, current)
	}
	return nil
}

// Close releases the port.
func (d *SerialDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *SerialDevice) closeLocked() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port, d.path = nil, ""
	return err
}

// WithPort runs fn with exclusive access to the open port. An I/O error closes the
// handle so the watchdog reopens it.
func (d *SerialDevice) WithPort(fn func(Port) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return ErrNotConnected
	}
	if err := fn(d.port); err != nil {
		d.closeLocked()
		return err
	}
	return nil
}

// readUpTo reads until n bytes arrived or a read times out with nothing.
func readUpTo(p Port, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := p.Read(buf[got:])
		if err != nil {
			return buf[:got], err
		}
		if k == 0 {
			break
		}
		got += k
	}
	return buf[:got], nil
}
