package board

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.viam.com/test"

	"radarkit/pkg/errcode"
	"radarkit/pkg/gpio"
	"radarkit/pkg/port"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBoard(t *testing.T, o Options) (*Board, *gpio.Driver, *gpio.Sim) {
	t.Helper()
	sim := gpio.NewSim()
	d, err := gpio.New(sim, gpio.Options{
		Lines:         28,
		RetryInterval: time.Millisecond,
		RetryTimeout:  50 * time.Millisecond,
		PollTimeout:   20 * time.Millisecond,
	})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = d.Close() })

	b, err := New(d, XC112(), o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Init(), test.ShouldBeNil)
	return b, d, sim
}

func fastOptions() Options {
	o := DefaultOptions()
	o.Settle = 0
	return o
}

func states(b *Board) []State {
	var s []State
	for id := 1; id <= b.SensorCount(); id++ {
		st, _ := b.State(id)
		s = append(s, st)
	}
	return s
}

func TestInitQuiescentState(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	levels := map[int]port.Level{
		17: port.Low,  // PMU_EN
		6:  port.High, // ENABLE_N
		8:  port.High, // SS_N
		23: port.Low, 5: port.Low, 12: port.Low, 26: port.Low,
		18: port.High, 27: port.High, 22: port.High, 7: port.High,
	}
	for n, level := range levels {
		test.That(t, sim.Direction(n), test.ShouldEqual, port.Out)
		test.That(t, sim.Level(n), test.ShouldEqual, level)
	}
	for _, n := range []int{20, 21, 24, 25} {
		test.That(t, sim.Direction(n), test.ShouldEqual, port.In)
	}
	test.That(t, b.RailActive(), test.ShouldBeFalse)
	test.That(t, states(b), test.ShouldResemble, []State{Disabled, Disabled, Disabled, Disabled})

	// init runs once
	writes := sim.Writes(17)
	test.That(t, b.Init(), test.ShouldBeNil)
	test.That(t, sim.Writes(17), test.ShouldEqual, writes)
}

func TestInitFailureCanBeRepeated(t *testing.T) {
	sim := gpio.NewSim()
	d, err := gpio.New(sim, gpio.Options{Lines: 28, RetryInterval: time.Millisecond, RetryTimeout: 10 * time.Millisecond})
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = d.Close() }()

	b, err := New(d, XC112(), fastOptions())
	test.That(t, err, test.ShouldBeNil)

	sim.FailWrites(8, true)
	test.That(t, errcode.Of(b.Init()), test.ShouldEqual, errcode.IOFailure)

	sim.FailWrites(8, false)
	test.That(t, b.Init(), test.ShouldBeNil)
	test.That(t, sim.Level(8), test.ShouldEqual, port.High)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, XC112(), fastOptions())
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)

	d, err := gpio.New(gpio.NewSim(), gpio.Options{Lines: 28})
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = d.Close() }()

	_, err = New(d, Layout{Name: "empty"}, fastOptions())
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)
}

// The sequence of the reference scenario: two sensors sharing the chip select and the rail.
func TestStartSelectStopScenario(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{Enabled, Disabled, Disabled, Disabled})
	test.That(t, b.RailActive(), test.ShouldBeTrue)
	test.That(t, sim.Level(17), test.ShouldEqual, port.High)
	test.That(t, sim.Level(6), test.ShouldEqual, port.Low)
	test.That(t, sim.Level(23), test.ShouldEqual, port.High)

	test.That(t, b.Select(1, true), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{EnabledAndSelected, Disabled, Disabled, Disabled})
	test.That(t, sim.Level(18), test.ShouldEqual, port.Low)

	rail := sim.Writes(17)
	test.That(t, b.Start(2), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{EnabledAndSelected, Enabled, Disabled, Disabled})
	test.That(t, sim.Writes(17), test.ShouldEqual, rail)

	test.That(t, b.Select(2, true), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{Enabled, EnabledAndSelected, Disabled, Disabled})
	test.That(t, sim.Level(18), test.ShouldEqual, port.High)
	test.That(t, sim.Level(27), test.ShouldEqual, port.Low)

	test.That(t, b.Stop(1), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{Disabled, EnabledAndSelected, Disabled, Disabled})
	test.That(t, b.RailActive(), test.ShouldBeTrue)
	test.That(t, sim.Writes(17), test.ShouldEqual, rail)
	test.That(t, sim.Level(23), test.ShouldEqual, port.Low)

	test.That(t, b.Stop(2), test.ShouldBeNil)
	test.That(t, states(b), test.ShouldResemble, []State{Disabled, Disabled, Disabled, Disabled})
	test.That(t, sim.Level(27), test.ShouldEqual, port.High)
	test.That(t, sim.Level(5), test.ShouldEqual, port.Low)
	test.That(t, b.RailActive(), test.ShouldBeFalse)
	test.That(t, sim.Level(6), test.ShouldEqual, port.High)
	test.That(t, sim.Level(17), test.ShouldEqual, port.Low)
	test.That(t, sim.History(17), test.ShouldResemble, []port.Level{port.Low, port.High, port.Low})
}

func TestStartPreconditions(t *testing.T) {
	b, _, _ := newTestBoard(t, fastOptions())

	test.That(t, errcode.Of(b.Start(0)), test.ShouldEqual, errcode.BadParameter)
	test.That(t, errcode.Of(b.Start(5)), test.ShouldEqual, errcode.BadParameter)

	test.That(t, b.Start(3), test.ShouldBeNil)
	test.That(t, errcode.Of(b.Start(3)), test.ShouldEqual, errcode.AlreadyActive)
	test.That(t, b.Select(3, true), test.ShouldBeNil)
	test.That(t, errcode.Of(b.Start(3)), test.ShouldEqual, errcode.AlreadyActive)
}

func TestStartFailureLeavesSensorDisabled(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	sim.FailWrites(23, true)
	test.That(t, errcode.Of(b.Start(1)), test.ShouldEqual, errcode.IOFailure)
	st, err := b.State(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st, test.ShouldEqual, Disabled)
	test.That(t, b.RailActive(), test.ShouldBeFalse)
	test.That(t, sim.Level(17), test.ShouldEqual, port.Low)

	sim.FailWrites(23, false)
	sim.FailWrites(17, true)
	test.That(t, errcode.Of(b.Start(1)), test.ShouldEqual, errcode.IOFailure)
	st, _ = b.State(1)
	test.That(t, st, test.ShouldEqual, Disabled)
}

func TestStartSettles(t *testing.T) {
	o := DefaultOptions()
	o.Settle = 5 * time.Millisecond
	b, _, _ := newTestBoard(t, o)

	// two rail steps and the sensor enable
	start := time.Now()
	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 15*time.Millisecond)
}

func TestStopKeepsRailForOtherSensors(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, b.Start(4), test.ShouldBeNil)
	rail := sim.History(17)

	test.That(t, b.Stop(4), test.ShouldBeNil)
	test.That(t, sim.History(17), test.ShouldResemble, rail)
	test.That(t, b.RailActive(), test.ShouldBeTrue)

	test.That(t, b.Stop(1), test.ShouldBeNil)
	test.That(t, b.RailActive(), test.ShouldBeFalse)

	test.That(t, errcode.Of(b.Stop(1)), test.ShouldEqual, errcode.NotActive)
}

func TestStopDeselectFailureKeepsSelection(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.Start(2), test.ShouldBeNil)
	test.That(t, b.Select(2, true), test.ShouldBeNil)

	sim.FailWrites(27, true)
	test.That(t, errcode.Of(b.Stop(2)), test.ShouldEqual, errcode.IOFailure)
	st, _ := b.State(2)
	test.That(t, st, test.ShouldEqual, EnabledAndSelected)
	test.That(t, sim.Level(5), test.ShouldEqual, port.High)
	test.That(t, b.RailActive(), test.ShouldBeTrue)
}

func TestStopDisableFailureRevertsToEnabled(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.Start(2), test.ShouldBeNil)
	test.That(t, b.Select(2, true), test.ShouldBeNil)

	sim.FailWrites(5, true)
	test.That(t, errcode.Of(b.Stop(2)), test.ShouldEqual, errcode.IOFailure)
	st, _ := b.State(2)
	test.That(t, st, test.ShouldEqual, Enabled)
	test.That(t, sim.Level(27), test.ShouldEqual, port.High)
	test.That(t, b.RailActive(), test.ShouldBeTrue)

	sim.FailWrites(5, false)
	test.That(t, b.Stop(2), test.ShouldBeNil)
	test.That(t, b.RailActive(), test.ShouldBeFalse)
}

// flakyIO fails the first writes to one line.
type flakyIO struct {
	LineIO
	mu    sync.Mutex
	line  int
	fails int
	calls int
}

func (f *flakyIO) Write(n int, level port.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n == f.line {
		f.calls++
		if f.fails > 0 {
			f.fails--
			return errcode.New(errcode.IOFailure, "write", n, gpio.ErrInjected)
		}
	}
	return f.LineIO.Write(n, level)
}

func TestStopRetryPolicy(t *testing.T) {
	sim := gpio.NewSim()
	d, err := gpio.New(sim, gpio.Options{Lines: 28, RetryInterval: time.Millisecond, RetryTimeout: 10 * time.Millisecond})
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = d.Close() }()

	io := &flakyIO{LineIO: d, line: 12}
	o := fastOptions()
	o.Stop = StopPolicy{Retries: 2, Delay: time.Millisecond}
	b, err := New(io, XC112(), o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Init(), test.ShouldBeNil)
	test.That(t, b.Start(3), test.ShouldBeNil)

	io.mu.Lock()
	io.fails, io.calls = 2, 0
	io.mu.Unlock()
	test.That(t, b.Stop(3), test.ShouldBeNil)
	test.That(t, io.calls, test.ShouldEqual, 3)
	st, _ := b.State(3)
	test.That(t, st, test.ShouldEqual, Disabled)

	test.That(t, b.Start(3), test.ShouldBeNil)
	io.mu.Lock()
	io.fails, io.calls = 5, 0
	io.mu.Unlock()
	test.That(t, errcode.Of(b.Stop(3)), test.ShouldEqual, errcode.IOFailure)
	test.That(t, io.calls, test.ShouldEqual, 3)
	st, _ = b.State(3)
	test.That(t, st, test.ShouldEqual, Enabled)
}

func TestSelect(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, errcode.Of(b.Select(1, true)), test.ShouldEqual, errcode.NotActive)
	test.That(t, b.Select(1, false), test.ShouldBeNil)
	test.That(t, errcode.Of(b.Select(9, true)), test.ShouldEqual, errcode.BadParameter)

	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, b.Select(1, false), test.ShouldBeNil)
	test.That(t, b.Select(1, true), test.ShouldBeNil)

	writes := sim.Writes(18)
	test.That(t, b.Select(1, true), test.ShouldBeNil)
	test.That(t, sim.Writes(18), test.ShouldEqual, writes)

	test.That(t, b.Select(1, false), test.ShouldBeNil)
	st, _ := b.State(1)
	test.That(t, st, test.ShouldEqual, Enabled)
	test.That(t, sim.Level(18), test.ShouldEqual, port.High)
}

func TestSelectAbortsWhenOtherCannotBeDeselected(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, b.Start(3), test.ShouldBeNil)
	test.That(t, b.Select(1, true), test.ShouldBeNil)

	sim.FailWrites(18, true)
	test.That(t, errcode.Of(b.Select(3, true)), test.ShouldEqual, errcode.OperationFailure)
	test.That(t, states(b), test.ShouldResemble, []State{EnabledAndSelected, Disabled, Enabled, Disabled})
	test.That(t, sim.Level(22), test.ShouldEqual, port.High)
}

func TestAtMostOneSensorSelected(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())
	chipSelects := []int{18, 27, 22, 7}
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		id := r.Intn(4) + 1
		switch r.Intn(4) {
		case 0:
			_ = b.Start(id)
		case 1:
			_ = b.Stop(id)
		case 2:
			_ = b.Select(id, true)
		case 3:
			_ = b.Select(id, false)
		}

		selected, asserted := 0, 0
		for k, st := range states(b) {
			if st == EnabledAndSelected {
				selected++
			}
			if sim.Level(chipSelects[k]) == port.Low {
				asserted++
			}
		}
		test.That(t, selected, test.ShouldBeLessThanOrEqualTo, 1)
		test.That(t, asserted, test.ShouldEqual, selected)
		test.That(t, b.RailActive(), test.ShouldEqual, selected > 0 || anyEnabled(b))
	}
}

func anyEnabled(b *Board) bool {
	for _, st := range states(b) {
		if st != Disabled {
			return true
		}
	}
	return false
}

func TestInterruptActive(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.IsInterruptConnected(1), test.ShouldBeTrue)
	test.That(t, b.IsInterruptConnected(0), test.ShouldBeFalse)

	test.That(t, b.IsInterruptActive(2), test.ShouldBeFalse)
	sim.SetInput(21, port.High)
	test.That(t, b.IsInterruptActive(2), test.ShouldBeTrue)

	sim.FailReads(21, true)
	test.That(t, b.IsInterruptActive(2), test.ShouldBeFalse)
	test.That(t, b.IsInterruptActive(7), test.ShouldBeFalse)
}

func TestRegisterISR(t *testing.T) {
	b, _, _ := newTestBoard(t, fastOptions())
	test.That(t, errcode.Of(b.RegisterISR(func(int) {})), test.ShouldEqual, errcode.Unsupported)

	o := fastOptions()
	o.InterruptCallbacks = true
	b, d, sim := newTestBoard(t, o)

	ids := make(chan int, 4)
	test.That(t, b.RegisterISR(func(id int) { ids <- id }), test.ShouldBeNil)

	sim.SetInput(24, port.High)
	select {
	case id := <-ids:
		test.That(t, id, test.ShouldEqual, 3)
	case <-time.After(time.Second):
		t.Fatal("isr not called")
	}

	test.That(t, b.RegisterISR(nil), test.ShouldBeNil)
	for _, info := range d.Lines() {
		test.That(t, info.Interrupt, test.ShouldBeFalse)
	}
}

func TestRegisterISRRollback(t *testing.T) {
	o := fastOptions()
	o.InterruptCallbacks = true
	b, d, sim := newTestBoard(t, o)

	sim.FailEdge(24, true)
	test.That(t, errcode.Of(b.RegisterISR(func(int) {})), test.ShouldEqual, errcode.IOFailure)
	for _, info := range d.Lines() {
		test.That(t, info.Interrupt, test.ShouldBeFalse)
	}
}

func TestStateChanged(t *testing.T) {
	type transition struct {
		id    int
		state State
	}
	var got []transition

	o := fastOptions()
	o.StateChanged = func(id int, state State) {
		got = append(got, transition{id, state})
	}
	b, _, _ := newTestBoard(t, o)

	test.That(t, b.Start(1), test.ShouldBeNil)
	test.That(t, b.Select(1, true), test.ShouldBeNil)
	test.That(t, b.Start(2), test.ShouldBeNil)
	test.That(t, b.Select(2, true), test.ShouldBeNil)
	test.That(t, b.Stop(2), test.ShouldBeNil)

	test.That(t, got, test.ShouldResemble, []transition{
		{1, Enabled},
		{1, EnabledAndSelected},
		{2, Enabled},
		{1, Enabled},
		{2, EnabledAndSelected},
		{2, Disabled},
	})
}

func TestQueries(t *testing.T) {
	b, _, sim := newTestBoard(t, fastOptions())

	test.That(t, b.SensorCount(), test.ShouldEqual, 4)
	test.That(t, b.SPISpeed(), test.ShouldEqual, uint32(15000000))
	test.That(t, b.RefFrequency(), test.ShouldEqual, 24000000.0)
	test.That(t, errcode.Of(b.SetRefFrequency(26e6)), test.ShouldEqual, errcode.Unsupported)

	bus, cs, err := b.SPIBusCS(4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bus, test.ShouldEqual, 0)
	test.That(t, cs, test.ShouldEqual, 0)
	_, _, err = b.SPIBusCS(0)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)

	_, err = b.State(5)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)

	test.That(t, b.Start(4), test.ShouldBeNil)
	sim.SetInput(25, port.High)
	snap := b.Snapshot()
	test.That(t, snap, test.ShouldHaveLength, 4)
	test.That(t, snap[3].State, test.ShouldEqual, "enabled")
	test.That(t, snap[3].InterruptActive, test.ShouldBeTrue)
	test.That(t, snap[3].Pins.ChipSelect.Line, test.ShouldEqual, 7)
	test.That(t, snap[0].State, test.ShouldEqual, "disabled")
}

func TestLayoutValidate(t *testing.T) {
	test.That(t, XC112().Validate(28), test.ShouldBeNil)
	test.That(t, XC112().Validate(27), test.ShouldNotBeNil)

	l := XC112()
	l.Sensors[1].Interrupt.Line = 20
	err := l.Validate(28)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldEqual, `layout "xc112": line 20 used as sensor 1 interrupt and sensor 2 interrupt`)

	test.That(t, Layout{Name: "empty"}.Validate(28), test.ShouldNotBeNil)
}
