package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
)

var (
	cmdSelectCard = []byte{0xAA, 0xBB, 0x06, 0x00, 0x00, 0x00, 0x01, 0x02, 0x52, 0x51}
	cmdReadCard   = []byte{0xAA, 0xBB, 0x06, 0x00, 0x00, 0x00, 0x02, 0x02, 0x04, 0x04}
	cmdBeep       = []byte{0xAA, 0xBB, 0x06, 0x00, 0x00, 0x00, 0x06, 0x01, 0x24, 0x23}
)

const (
	cardResponseLen = 14
	responseMax     = 20

	cardPause = 2 * time.Second
	idlePoll  = 100 * time.Millisecond
)

// ParseCardID extracts the card number from a read response.
func ParseCardID(resp []byte) (string, bool) {
	if len(resp) != cardResponseLen {
		return "", false
	}
	id := binary.LittleEndian.Uint32(resp[9:13])
	return strconv.FormatUint(uint64(id), 10), true
}

// Reader polls an RFID reader for cards.
type Reader struct {
	*SerialDevice
	suspended atomic.Bool
	logger    *logger.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	pause     time.Duration
	poll      time.Duration
}

// NewReader wraps a serial device with the card protocol.
func NewReader(dev *SerialDevice, logCooldown time.Duration, log *logger.Logger, m *metrics.Metrics) *Reader {
	return &Reader{
		SerialDevice: dev,
		logger:       log,
		metrics:      m,
		limiter:      rate.NewLimiter(rate.Every(logCooldown), 1),
		pause:        cardPause,
		poll:         idlePoll,
	}
}

// Suspend stops card polling without closing the port.
func (r *Reader) Suspend() {
	if !r.suspended.Swap(true) {
		r.logger.Debug("RFID polling suspended")
	}
}

// Resume restarts card polling.
func (r *Reader) Resume() {
	if r.suspended.Swap(false) {
		r.logger.Debug("RFID polling resumed")
	}
}

// Suspended reports whether polling is suspended.
func (r *Reader) Suspended() bool { return r.suspended.Load() }

// ReadCard runs one select/read exchange. ok is false when no card is present.
func (r *Reader) ReadCard() (id string, ok bool, err error) {
	err = r.WithPort(func(p Port) error {
		if _, err := p.Write(cmdSelectCard); err != nil {
			return fmt.Errorf("select: %w", err)
		}
		if _, err := readUpTo(p, responseMax); err != nil {
			return fmt.Errorf("select response: %w", err)
		}
		if _, err := p.Write(cmdReadCard); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		resp, err := readUpTo(p, responseMax)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if id, ok = ParseCardID(resp); ok {
			if _, err := p.Write(cmdBeep); err != nil {
				return fmt.Errorf("beep: %w", err)
			}
		}
		return nil
	})
	return id, ok, err
}

// Run polls for cards until ctx is cancelled and hands each card id to onCard.
func (r *Reader) Run(ctx context.Context, onCard func(cardID string)) {
	for ctx.Err() == nil {
		if r.Suspended() {
			if !sleepCtx(ctx, r.poll) {
				return
			}
			continue
		}

		id, ok, err := r.ReadCard()
		switch {
		case err != nil:
			if err != ErrNotConnected && r.limiter.Allow() {
				r.logger.Warning("RFID read failed: %v", err)
			}
		case ok:
			r.metrics.CardsScanned.Add(1)
			r.logger.Info("Card scanned: %s", id)
			onCard(id)
			if !sleepCtx(ctx, r.pause) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, r.poll) {
			return
		}
	}
}
