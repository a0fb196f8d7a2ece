package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// FieldbusConfig addresses the Modbus TCP I/O module.
type FieldbusConfig struct {
	Address    string
	UnitID     int
	Timeout    time.Duration
	CoilBase   int
	InputBase  int
	InputCount int
}

// Dialer opens a Modbus client; it returns the client and a function closing the link.
type Dialer func(cfg FieldbusConfig) (modbus.Client, func() error, error)

// DialTCP connects over Modbus TCP.
func DialTCP(cfg FieldbusConfig) (modbus.Client, func() error, error) {
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = byte(cfg.UnitID)
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler.Close, nil
}

// Fieldbus is the I/O module carrying the door relay and the e-stop and button inputs.
type Fieldbus struct {
	name string
	cfg  FieldbusConfig
	dial Dialer

	mu     sync.Mutex
	client modbus.Client
	close  func() error
}

func NewFieldbus(name string, cfg FieldbusConfig) *Fieldbus {
	return NewFieldbusWith(name, cfg, DialTCP)
}

func NewFieldbusWith(name string, cfg FieldbusConfig, dial Dialer) *Fieldbus {
	return &Fieldbus{name: name, cfg: cfg, dial: dial}
}

func (f *Fieldbus) Name() string { return f.name }

func (f *Fieldbus) Connect(ctx context.Context) error {
	client, closeFn, err := f.dial(f.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect fieldbus at %s: %w", f.cfg.Address, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	f.client, f.close = client, closeFn
	return nil
}

// Ping reads the input block once.
func (f *Fieldbus) Ping(ctx context.Context) error {
	_, err := f.ReadInputs()
	return err
}

func (f *Fieldbus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *Fieldbus) closeLocked() error {
	var err error
	if f.close != nil {
		err = f.close()
	}
	f.client, f.close = nil, nil
	return err
}

// ReadInputs returns the raw levels of InputCount discrete inputs starting at InputBase.
func (f *Fieldbus) ReadInputs() ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil, ErrNotConnected
	}

	raw, err := f.client.ReadDiscreteInputs(uint16(f.cfg.InputBase), uint16(f.cfg.InputCount))
	if err != nil {
		f.closeLocked()
		return nil, fmt.Errorf("failed to read discrete inputs: %w", err)
	}
	return unpackBits(raw, f.cfg.InputCount)
}

// WriteCoil drives output channel ch (offset by CoilBase).
func (f *Fieldbus) WriteCoil(ch int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return ErrNotConnected
	}

	value := coilOff
	if on {
		value = coilOn
	}
	if _, err := f.client.WriteSingleCoil(uint16(f.cfg.CoilBase+ch), value); err != nil {
		f.closeLocked()
		return fmt.Errorf("failed to write coil %d: %w", f.cfg.CoilBase+ch, err)
	}
	return nil
}

// unpackBits expands Modbus bit-packed data, least significant bit first.
func unpackBits(raw []byte, count int) ([]bool, error) {
	if len(raw)*8 < count {
		return nil, fmt.Errorf("short input response: %d bytes for %d inputs", len(raw), count)
	}
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = raw[i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}
