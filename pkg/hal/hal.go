// Package hal combines the board and the spi bus into the interface used by the sensor software.
package hal

import (
	"github.com/womat/debug"

	"radarkit/pkg/board"
	"radarkit/pkg/errcode"
	"radarkit/pkg/spi"
)

// ISRStatus is the result of RegisterISR.
type ISRStatus int

const (
	ISROk ISRStatus = iota
	ISRUnsupported
	ISRFailure
)

func (s ISRStatus) String() string {
	switch s {
	case ISROk:
		return "ok"
	case ISRUnsupported:
		return "unsupported"
	}
	return "failure"
}

// Board is the part of the board used by the hal.
type Board interface {
	Init() error
	SensorCount() int
	Start(id int) error
	Stop(id int) error
	Select(id int, assert bool) error
	IsInterruptConnected(id int) bool
	IsInterruptActive(id int) bool
	RegisterISR(isr board.ISR) error
	SPIBusCS(id int) (bus, cs int, err error)
	SPISpeed() uint32
	RefFrequency() float64
}

// Properties describe the capabilities of the hardware.
type Properties struct {
	SensorCount     int `json:"sensorCount"`
	MaxTransferSize int `json:"maxTransferSize"`
}

// HAL is the hardware abstraction of one board.
type HAL struct {
	board Board
	bus   spi.Bus
}

// New initializes the board and returns its hal.
func New(b Board, bus spi.Bus) (*HAL, error) {
	if b == nil || bus == nil {
		return nil, errcode.Newf(errcode.BadParameter, "hal", 0, "board and spi bus are required")
	}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return &HAL{board: b, bus: bus}, nil
}

func (h *HAL) Properties() Properties {
	return Properties{
		SensorCount:     h.board.SensorCount(),
		MaxTransferSize: h.bus.MaxTransferSize(),
	}
}

// PowerOn starts a sensor. The bus lock is held so no transfer is in progress.
func (h *HAL) PowerOn(id int) error {
	h.bus.Lock()
	defer h.bus.Unlock()
	return h.board.Start(id)
}

// PowerOff stops a sensor. Its chip select is released while the bus lock is held.
func (h *HAL) PowerOff(id int) error {
	h.bus.Lock()
	defer h.bus.Unlock()
	return h.board.Stop(id)
}

// Select asserts or deasserts the chip select of a sensor while holding the bus lock.
func (h *HAL) Select(id int, assert bool) error {
	h.bus.Lock()
	defer h.bus.Unlock()
	return h.board.Select(id, assert)
}

func (h *HAL) IsInterruptConnected(id int) bool {
	return h.board.IsInterruptConnected(id)
}

func (h *HAL) IsInterruptActive(id int) bool {
	return h.board.IsInterruptActive(id)
}

func (h *HAL) ReferenceFrequency() float64 {
	return h.board.RefFrequency()
}

// RegisterISR registers isr for the interrupts of all sensors.
func (h *HAL) RegisterISR(isr board.ISR) ISRStatus {
	err := h.board.RegisterISR(isr)
	switch errcode.Of(err) {
	case errcode.OK:
		return ISROk
	case errcode.Unsupported:
		return ISRUnsupported
	}
	return ISRFailure
}

// Transfer selects the sensor, exchanges buf on the spi bus and deselects the sensor,
// all while holding the bus lock. buf is replaced with the received bytes.
func (h *HAL) Transfer(id int, buf []byte) error {
	bus, device, err := h.board.SPIBusCS(id)
	if err != nil {
		return err
	}
	speed := h.board.SPISpeed()

	h.bus.Lock()
	defer h.bus.Unlock()

	if err = h.board.Select(id, true); err != nil {
		debug.ErrorLog.Printf("transfer to sensor %d failed: %v", id, err)
		return err
	}

	if err = h.bus.Transfer(bus, device, speed, buf); err != nil {
		return err
	}

	return h.board.Select(id, false)
}
