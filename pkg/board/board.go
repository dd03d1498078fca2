// Package board sequences the power, enable and chip select lines of the sensors of a board.
// All sensors share one spi chip select, so at most one sensor is selected at any time.
package board

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/womat/debug"

	"radarkit/pkg/errcode"
	"radarkit/pkg/gpio"
	"radarkit/pkg/port"
)

// State is the lifecycle state of a sensor.
type State int

const (
	Disabled State = iota
	Enabled
	EnabledAndSelected
)

func (s State) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case EnabledAndSelected:
		return "enabled_and_selected"
	}
	return "disabled"
}

// LineIO is the part of the line driver used by the board.
type LineIO interface {
	SetInitialPull(n int, level port.Level) error
	Input(n int) error
	Write(n int, level port.Level) error
	Read(n int) (port.Level, error)
	RegisterInterrupt(n int, edge port.Edge, cb gpio.Callback) error
}

// StopPolicy defines how often disabling the enable line of a sensor is retried before stop gives up.
type StopPolicy struct {
	Retries int
	Delay   time.Duration
}

// Options holds the timing policy of a board.
type Options struct {
	// Settle is the delay after each power step.
	Settle time.Duration
	Stop   StopPolicy
	// InterruptCallbacks enables RegisterISR. Without it the sensor interrupts can only be polled.
	InterruptCallbacks bool
	// StateChanged is called after a sensor changed its state. It is called without any lock held.
	StateChanged func(id int, state State)
	Clock        clock.Clock
}

// DefaultOptions returns the timing of the reference board.
func DefaultOptions() Options {
	return Options{
		Settle: 5 * time.Millisecond,
		Clock:  clock.New(),
	}
}

type sensor struct {
	id    int
	pins  SensorPins
	state State
}

type change struct {
	id    int
	state State
}

// Board owns the logical state of the sensor slots. The lines are owned by the line driver.
type Board struct {
	io     LineIO
	layout Layout
	opts   Options

	initMu   sync.Mutex
	initDone bool

	mu      sync.Mutex
	sensors []*sensor
	railUp  bool
	changes []change
}

// New creates a board for layout on top of the line driver io. All sensors are Disabled.
func New(io LineIO, layout Layout, o Options) (*Board, error) {
	if io == nil {
		return nil, errcode.Newf(errcode.BadParameter, "board", 0, "no line driver")
	}
	if len(layout.Sensors) == 0 {
		return nil, errcode.Newf(errcode.BadParameter, "board", 0, "layout %q has no sensors", layout.Name)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	b := &Board{io: io, layout: layout, opts: o}
	for i, p := range layout.Sensors {
		b.sensors = append(b.sensors, &sensor{id: i + 1, pins: p})
	}
	return b, nil
}

// Init records the reset levels of all pins and drives the board into its quiescent state:
// rail and sensors off, every chip select deasserted and the interrupt lines as inputs.
// Init runs once; a failed Init can be repeated.
func (b *Board) Init() error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	if b.initDone {
		return nil
	}

	for _, p := range b.layout.pins() {
		if err := b.io.SetInitialPull(p.Line, p.Pull); err != nil {
			debug.WarningLog.Printf("failed to set initial pull of gpio%d: %v", p.Line, err)
		}
	}

	steps := []func() error{}
	for _, p := range b.layout.Rail {
		p := p
		steps = append(steps, func() error { return b.io.Write(p.Line, p.Inactive()) })
	}
	steps = append(steps, func() error { return b.io.Write(b.layout.SlaveSelect.Line, b.layout.SlaveSelect.Inactive()) })
	for _, s := range b.layout.Sensors {
		s := s
		steps = append(steps, func() error { return b.io.Input(s.Interrupt.Line) })
	}
	for _, s := range b.layout.Sensors {
		s := s
		steps = append(steps, func() error { return b.io.Write(s.Enable.Line, s.Enable.Inactive()) })
	}
	for _, s := range b.layout.Sensors {
		s := s
		steps = append(steps, func() error { return b.io.Write(s.ChipSelect.Line, s.ChipSelect.Inactive()) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			debug.ErrorLog.Printf("board %s init failed: %v", b.layout.Name, err)
			return err
		}
	}

	b.initDone = true
	debug.DebugLog.Printf("board %s initialized with %d sensors", b.layout.Name, len(b.sensors))
	return nil
}

// lock must be paired with unlock, which delivers the state changes recorded in between.
func (b *Board) lock() {
	b.mu.Lock()
}

func (b *Board) unlock() {
	changes := b.changes
	b.changes = nil
	b.mu.Unlock()

	if b.opts.StateChanged == nil {
		return
	}
	for _, c := range changes {
		b.opts.StateChanged(c.id, c.state)
	}
}

// setState must be called with b.mu held.
func (b *Board) setState(s *sensor, state State) {
	if s.state == state {
		return
	}
	debug.TraceLog.Printf("sensor %d: %s -> %s", s.id, s.state, state)
	s.state = state
	b.changes = append(b.changes, change{id: s.id, state: state})
}

// sensor returns the slot of a 1 based sensor id.
func (b *Board) sensor(op string, id int) (*sensor, error) {
	if id < 1 || id > len(b.sensors) {
		debug.ErrorLog.Printf("%s: invalid sensor %d", op, id)
		return nil, errcode.Newf(errcode.BadParameter, op, id, "sensor id out of range 1..%d", len(b.sensors))
	}
	return b.sensors[id-1], nil
}

// anyActive must be called with b.mu held.
func (b *Board) anyActive() bool {
	for _, s := range b.sensors {
		if s.state != Disabled {
			return true
		}
	}
	return false
}

func (b *Board) settle() {
	if b.opts.Settle > 0 {
		b.opts.Clock.Sleep(b.opts.Settle)
	}
}

// raiseRail asserts the rail pins in order, each followed by the settle delay.
func (b *Board) raiseRail(id int) error {
	for _, p := range b.layout.Rail {
		if err := b.io.Write(p.Line, p.Active()); err != nil {
			debug.ErrorLog.Printf("couldn't raise power rail gpio%d for sensor %d: %v", p.Line, id, err)
			return err
		}
		b.settle()
	}
	b.railUp = true
	return nil
}

// lowerRail deasserts the rail pins in reverse order. Failures are logged only.
func (b *Board) lowerRail() {
	for i := len(b.layout.Rail) - 1; i >= 0; i-- {
		p := b.layout.Rail[i]
		if err := b.io.Write(p.Line, p.Inactive()); err != nil {
			debug.ErrorLog.Printf("couldn't lower power rail gpio%d: %v", p.Line, err)
		}
	}
	b.railUp = false
}

// Start powers a Disabled sensor. The rail is raised if no other sensor is active.
func (b *Board) Start(id int) error {
	b.lock()
	defer b.unlock()

	s, err := b.sensor("start", id)
	if err != nil {
		return err
	}
	if s.state != Disabled {
		debug.ErrorLog.Printf("sensor %d already enabled", id)
		return errcode.New(errcode.AlreadyActive, "start", id, nil)
	}

	if !b.anyActive() {
		if err = b.raiseRail(id); err != nil {
			b.lowerRail()
			return err
		}
	}

	if err = b.io.Write(s.pins.Enable.Line, s.pins.Enable.Active()); err != nil {
		debug.ErrorLog.Printf("unable to activate enable on sensor %d: %v", id, err)
		if !b.anyActive() {
			b.lowerRail()
		}
		return err
	}
	b.settle()

	b.setState(s, Enabled)
	return nil
}

// Stop deselects and disables a sensor. The rail is lowered after the last active sensor stopped.
func (b *Board) Stop(id int) error {
	b.lock()
	defer b.unlock()

	s, err := b.sensor("stop", id)
	if err != nil {
		return err
	}

	if s.state == Disabled {
		debug.ErrorLog.Printf("sensor %d already inactive", id)
		err = errcode.New(errcode.NotActive, "stop", id, nil)
	} else if err = b.disable(s); err != nil {
		return err
	}

	if b.railUp && !b.anyActive() {
		b.lowerRail()
	}
	return err
}

// disable must be called with b.mu held.
func (b *Board) disable(s *sensor) error {
	if s.state == EnabledAndSelected {
		if err := b.io.Write(s.pins.ChipSelect.Line, s.pins.ChipSelect.Inactive()); err != nil {
			debug.ErrorLog.Printf("failed to deselect sensor %d: %v", s.id, err)
			return err
		}
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = b.io.Write(s.pins.Enable.Line, s.pins.Enable.Inactive()); err == nil || attempt >= b.opts.Stop.Retries {
			break
		}
		debug.WarningLog.Printf("retry to deactivate enable on sensor %d: %v", s.id, err)
		if b.opts.Stop.Delay > 0 {
			b.opts.Clock.Sleep(b.opts.Stop.Delay)
		}
	}
	if err != nil {
		// the sensor is deselected but still powered
		b.setState(s, Enabled)
		debug.ErrorLog.Printf("unable to deactivate enable on sensor %d: %v", s.id, err)
		return err
	}

	b.setState(s, Disabled)
	return nil
}

// Select asserts (assert true) or deasserts the chip select of a sensor.
// Asserting first deselects the sensor currently selected.
func (b *Board) Select(id int, assert bool) error {
	b.lock()
	defer b.unlock()

	s, err := b.sensor("select", id)
	if err != nil {
		return err
	}

	if !assert {
		if s.state != EnabledAndSelected {
			return nil
		}
		if err = b.io.Write(s.pins.ChipSelect.Line, s.pins.ChipSelect.Inactive()); err != nil {
			debug.ErrorLog.Printf("failed to deselect sensor %d: %v", id, err)
			return err
		}
		b.setState(s, Enabled)
		return nil
	}

	switch s.state {
	case Disabled:
		debug.ErrorLog.Printf("failed to select sensor %d, it is disabled", id)
		return errcode.New(errcode.NotActive, "select", id, nil)
	case EnabledAndSelected:
		debug.DebugLog.Printf("sensor %d already selected", id)
		return nil
	}

	for _, other := range b.sensors {
		if other == s || other.state != EnabledAndSelected {
			continue
		}
		if err = b.io.Write(other.pins.ChipSelect.Line, other.pins.ChipSelect.Inactive()); err != nil {
			debug.ErrorLog.Printf("failed to deselect sensor %d before selecting sensor %d: %v", other.id, id, err)
			return errcode.New(errcode.OperationFailure, "select", id, err)
		}
		b.setState(other, Enabled)
	}

	if err = b.io.Write(s.pins.ChipSelect.Line, s.pins.ChipSelect.Active()); err != nil {
		debug.ErrorLog.Printf("failed to select sensor %d: %v", id, err)
		return err
	}
	b.setState(s, EnabledAndSelected)
	return nil
}

// IsInterruptConnected reports whether the interrupt line of a sensor is wired. It is on every slot of the board.
func (b *Board) IsInterruptConnected(id int) bool {
	return id >= 1 && id <= len(b.sensors)
}

// IsInterruptActive reads the interrupt line of a sensor. Any failure reads as not active.
func (b *Board) IsInterruptActive(id int) bool {
	s, err := b.sensor("interrupt", id)
	if err != nil {
		return false
	}

	level, err := b.io.Read(s.pins.Interrupt.Line)
	if err != nil {
		debug.ErrorLog.Printf("could not obtain gpio interrupt value for sensor %d: %v", id, err)
		return false
	}
	return level == s.pins.Interrupt.Active()
}

// ISR is called with the sensor id when the interrupt of a sensor becomes active.
type ISR func(id int)

// RegisterISR calls isr on the activating edge of every sensor interrupt line.
// A nil isr unregisters. Without interrupt callbacks enabled it reports Unsupported.
func (b *Board) RegisterISR(isr ISR) error {
	if !b.opts.InterruptCallbacks {
		return errcode.New(errcode.Unsupported, "register isr", 0, nil)
	}

	if isr == nil {
		for _, s := range b.sensors {
			_ = b.io.RegisterInterrupt(s.pins.Interrupt.Line, port.EdgeNone, nil)
		}
		return nil
	}

	for i, s := range b.sensors {
		id := s.id
		edge := port.EdgeRising
		if s.pins.Interrupt.ActiveLow {
			edge = port.EdgeFalling
		}

		err := b.io.RegisterInterrupt(s.pins.Interrupt.Line, edge, func(port.Event) { isr(id) })
		if err != nil {
			debug.ErrorLog.Printf("failed to register isr for sensor %d: %v", id, err)
			for _, done := range b.sensors[:i] {
				_ = b.io.RegisterInterrupt(done.pins.Interrupt.Line, port.EdgeNone, nil)
			}
			return err
		}
	}
	return nil
}

// SensorCount returns the number of sensor slots.
func (b *Board) SensorCount() int {
	return len(b.sensors)
}

// State returns the state of a sensor.
func (b *Board) State(id int) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sensor("state", id)
	if err != nil {
		return Disabled, err
	}
	return s.state, nil
}

// RailActive reports whether the power rail is raised.
func (b *Board) RailActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.railUp
}

// SPIBusCS returns the spi bus and chip select used to talk to a sensor.
func (b *Board) SPIBusCS(id int) (bus, cs int, err error) {
	if _, err = b.sensor("spi", id); err != nil {
		return -1, -1, err
	}
	return b.layout.SPI.Bus, b.layout.SPI.Device, nil
}

// SPISpeed returns the clock speed of the spi bus in Hz.
func (b *Board) SPISpeed() uint32 {
	return b.layout.SPI.Speed
}

// RefFrequency returns the reference frequency of the sensors in Hz.
func (b *Board) RefFrequency() float64 {
	return b.layout.RefFrequency
}

// SetRefFrequency is not supported, the reference clock is fixed by the hardware.
func (b *Board) SetRefFrequency(float64) error {
	return errcode.New(errcode.Unsupported, "set reference frequency", 0, nil)
}

// Layout returns the layout of the board.
func (b *Board) Layout() Layout {
	return b.layout
}

// SensorInfo is a snapshot of a sensor slot.
type SensorInfo struct {
	ID              int        `json:"id"`
	State           string     `json:"state"`
	Pins            SensorPins `json:"pins"`
	InterruptActive bool       `json:"interruptActive"`
}

// Snapshot returns the state of all sensor slots.
func (b *Board) Snapshot() []SensorInfo {
	b.mu.Lock()
	info := make([]SensorInfo, 0, len(b.sensors))
	for _, s := range b.sensors {
		info = append(info, SensorInfo{ID: s.id, State: s.state.String(), Pins: s.pins})
	}
	b.mu.Unlock()

	for i := range info {
		info[i].InterruptActive = b.IsInterruptActive(info[i].ID)
	}
	return info
}
