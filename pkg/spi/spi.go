// Package spi is the transfer primitive used to talk to the sensors.
package spi

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/womat/debug"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"radarkit/pkg/errcode"
)

// DefaultMaxTransferSize is the default buffer size of the spidev driver.
const DefaultMaxTransferSize = 4096

// Bus transfers buffers full duplex. The caller holds the lock around the
// select, transfer and deselect sequence of one sensor.
type Bus interface {
	Lock()
	Unlock()
	// Transfer sends buf and replaces its content with the received bytes.
	Transfer(bus, device int, speed uint32, buf []byte) error
	MaxTransferSize() int
}

// Periph transfers through spidev with periph.io.
type Periph struct {
	mu      sync.Mutex
	maxSize int
}

// NewPeriph initializes the periph.io host drivers.
func NewPeriph(maxSize int) (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxTransferSize
	}
	return &Periph{maxSize: maxSize}, nil
}

func (p *Periph) Lock()   { p.mu.Lock() }
func (p *Periph) Unlock() { p.mu.Unlock() }

func (p *Periph) MaxTransferSize() int {
	return p.maxSize
}

// Transfer opens the port SPI<bus>.<device> for a single transaction in mode 0 with 8 bit words.
func (p *Periph) Transfer(bus, device int, speed uint32, buf []byte) (err error) {
	if len(buf) > p.maxSize {
		return errcode.Newf(errcode.BadParameter, "spi transfer", device, "%d bytes exceed the maximum of %d", len(buf), p.maxSize)
	}

	name := fmt.Sprintf("SPI%d.%d", bus, device)
	port, err := spireg.Open(name)
	if err != nil {
		debug.ErrorLog.Printf("can't open %s: %v", name, err)
		return errcode.New(errcode.IOFailure, "spi open", device, err)
	}
	defer func() {
		err = multierr.Combine(err, port.Close())
	}()

	conn, err := port.Connect(physic.Hertz*physic.Frequency(speed), spi.Mode0, 8)
	if err != nil {
		return errcode.New(errcode.IOFailure, "spi connect", device, err)
	}

	tx := append([]byte(nil), buf...)
	if err = conn.Tx(tx, buf); err != nil {
		debug.ErrorLog.Printf("spi transfer of %d bytes on %s failed: %v", len(buf), name, err)
		return errcode.New(errcode.IOFailure, "spi transfer", device, err)
	}
	return nil
}

// Transaction is a transfer seen by a Loopback.
type Transaction struct {
	Bus, Device int
	Speed       uint32
	Data        []byte
}

// Loopback returns every buffer unchanged, as if MOSI were wired to MISO.
// It records the transfers and is used without hardware and in tests.
type Loopback struct {
	mu      sync.Mutex
	maxSize int

	recMu     sync.Mutex
	transfers []Transaction
	fail      error
	locked    bool
}

func NewLoopback(maxSize int) *Loopback {
	if maxSize <= 0 {
		maxSize = DefaultMaxTransferSize
	}
	return &Loopback{maxSize: maxSize}
}

func (l *Loopback) Lock() {
	l.mu.Lock()
	l.recMu.Lock()
	l.locked = true
	l.recMu.Unlock()
}

func (l *Loopback) Unlock() {
	l.recMu.Lock()
	l.locked = false
	l.recMu.Unlock()
	l.mu.Unlock()
}

func (l *Loopback) MaxTransferSize() int {
	return l.maxSize
}

func (l *Loopback) Transfer(bus, device int, speed uint32, buf []byte) error {
	if len(buf) > l.maxSize {
		return errcode.Newf(errcode.BadParameter, "spi transfer", device, "%d bytes exceed the maximum of %d", len(buf), l.maxSize)
	}

	l.recMu.Lock()
	defer l.recMu.Unlock()

	if l.fail != nil {
		return errcode.New(errcode.IOFailure, "spi transfer", device, l.fail)
	}
	if !l.locked {
		debug.WarningLog.Printf("spi transfer on bus %d without lock", bus)
	}
	l.transfers = append(l.transfers, Transaction{Bus: bus, Device: device, Speed: speed, Data: append([]byte(nil), buf...)})
	return nil
}

// Fail makes every following transfer fail with err, nil restores normal operation.
func (l *Loopback) Fail(err error) {
	l.recMu.Lock()
	l.fail = err
	l.recMu.Unlock()
}

// Transfers returns the recorded transfers.
func (l *Loopback) Transfers() []Transaction {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	return append([]Transaction(nil), l.transfers...)
}

// Locked reports whether the bus lock is held.
func (l *Loopback) Locked() bool {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	return l.locked
}
