package gpio

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/womat/debug"
	"go.viam.com/test"

	"radarkit/pkg/errcode"
	"radarkit/pkg/port"
)

func testOptions() Options {
	return Options{
		Lines:         28,
		RetryInterval: time.Millisecond,
		RetryTimeout:  50 * time.Millisecond,
		PollTimeout:   20 * time.Millisecond,
		Clock:         clock.New(),
	}
}

func newTestDriver(t *testing.T) (*Driver, *Sim) {
	t.Helper()
	sim := NewSim()
	d, err := New(sim, testOptions())
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = d.Close() })
	return d, sim
}

func TestNew(t *testing.T) {
	_, err := New(nil, testOptions())
	test.That(t, errors.Is(err, errcode.BadParameter), test.ShouldBeTrue)

	o := testOptions()
	o.Lines = 0
	_, err = New(NewSim(), o)
	test.That(t, errors.Is(err, errcode.BadParameter), test.ShouldBeTrue)

	d, err := New(NewSim(), Options{Lines: 4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Count(), test.ShouldEqual, 4)
	test.That(t, d.opts.PollTimeout, test.ShouldEqual, 800*time.Millisecond)
	test.That(t, d.opts.RetryTimeout, test.ShouldEqual, time.Second)
	test.That(t, d.opts.RetryInterval, test.ShouldEqual, 10*time.Millisecond)
	test.That(t, d.Close(), test.ShouldBeNil)
}

func TestOpenIsIdempotent(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.Open(17), test.ShouldBeNil)
	test.That(t, d.Open(17), test.ShouldBeNil)
	test.That(t, sim.Exports(17), test.ShouldEqual, 1)

	dir, err := d.Direction(17)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dir, test.ShouldEqual, port.Unknown)
	test.That(t, d.Lines(), test.ShouldHaveLength, 1)
}

func TestOpenRetriesUntilHandlesAppear(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.SetOpenDelay(5)

	test.That(t, d.Open(4), test.ShouldBeNil)
	test.That(t, sim.Exports(4), test.ShouldEqual, 1)
}

func TestOpenGivesUpAfterCeiling(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.SetOpenDelay(1 << 20)

	start := time.Now()
	err := d.Open(4)
	test.That(t, errors.Is(err, errcode.IOFailure), test.ShouldBeTrue)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 50*time.Millisecond)
	test.That(t, d.Lines(), test.ShouldBeEmpty)
}

func TestOpenExportFailure(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.FailExport(9, true)

	var log bytes.Buffer
	debug.SetDebug(&log, debug.Fatal)
	defer debug.SetDebug(os.Stderr, debug.Standard)

	err := d.Write(9, port.High)
	test.That(t, errors.Is(err, errcode.IOFailure), test.ShouldBeTrue)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.IOFailure)
	test.That(t, log.String(), test.ShouldContainSubstring, "FATAL: could not export gpio9")
}

func TestLineOutOfRange(t *testing.T) {
	d, _ := newTestDriver(t)

	test.That(t, errcode.Of(d.Open(-1)), test.ShouldEqual, errcode.BadParameter)
	test.That(t, errcode.Of(d.Open(28)), test.ShouldEqual, errcode.BadParameter)
	test.That(t, errcode.Of(d.Write(28, port.High)), test.ShouldEqual, errcode.BadParameter)
	test.That(t, errcode.Of(d.Input(100)), test.ShouldEqual, errcode.BadParameter)
	test.That(t, errcode.Of(d.SetInitialPull(28, port.High)), test.ShouldEqual, errcode.BadParameter)

	_, err := d.Read(28)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)
}

func TestWriteAvoidsUnchangedValue(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.Write(5, port.High), test.ShouldBeNil)
	test.That(t, d.Write(5, port.High), test.ShouldBeNil)
	test.That(t, sim.Writes(5), test.ShouldEqual, 1)

	test.That(t, d.Write(5, port.Low), test.ShouldBeNil)
	test.That(t, d.Write(5, port.Low), test.ShouldBeNil)
	test.That(t, sim.Writes(5), test.ShouldEqual, 2)
	test.That(t, sim.History(5), test.ShouldResemble, []port.Level{port.High, port.Low})
}

func TestWriteNormalizesLevel(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.Write(5, port.Level(7)), test.ShouldBeNil)
	test.That(t, sim.Level(5), test.ShouldEqual, port.High)
}

func TestWriteFromInputAppliesLevelWithDirection(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.Input(6), test.ShouldBeNil)
	test.That(t, d.Write(6, port.High), test.ShouldBeNil)

	test.That(t, sim.Direction(6), test.ShouldEqual, port.Out)
	// no intermediate low level between input and the requested high
	test.That(t, sim.History(6), test.ShouldResemble, []port.Level{port.High})
}

func TestInputRestoresPullLevel(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.SetInitialPull(8, port.High), test.ShouldBeNil)
	test.That(t, sim.Writes(8), test.ShouldEqual, 0)

	test.That(t, d.Write(8, port.Low), test.ShouldBeNil)
	test.That(t, d.Input(8), test.ShouldBeNil)
	test.That(t, sim.Direction(8), test.ShouldEqual, port.In)
	test.That(t, sim.History(8), test.ShouldResemble, []port.Level{port.Low, port.High})

	// already input
	test.That(t, d.Input(8), test.ShouldBeNil)
	test.That(t, sim.Writes(8), test.ShouldEqual, 2)
}

func TestReadRequiresInput(t *testing.T) {
	d, sim := newTestDriver(t)

	_, err := d.Read(20)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.OperationFailure)

	test.That(t, d.Write(20, port.Low), test.ShouldBeNil)
	_, err = d.Read(20)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.OperationFailure)

	test.That(t, d.Input(20), test.ShouldBeNil)
	sim.SetInput(20, port.High)
	v, err := d.Read(20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, port.High)

	sim.FailReads(20, true)
	_, err = d.Read(20)
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.IOFailure)
}

func TestWriteFailureKeepsState(t *testing.T) {
	d, sim := newTestDriver(t)

	test.That(t, d.Write(12, port.Low), test.ShouldBeNil)
	sim.FailWrites(12, true)
	test.That(t, errcode.Of(d.Write(12, port.High)), test.ShouldEqual, errcode.IOFailure)

	sim.FailWrites(12, false)
	test.That(t, d.Write(12, port.High), test.ShouldBeNil)
	test.That(t, sim.History(12), test.ShouldResemble, []port.Level{port.Low, port.High})
}

func TestCloseLeavesLinesQuiescent(t *testing.T) {
	sim := NewSim()
	d, err := New(sim, testOptions())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, d.SetInitialPull(6, port.High), test.ShouldBeNil)
	test.That(t, d.Write(6, port.Low), test.ShouldBeNil)
	test.That(t, d.Write(17, port.High), test.ShouldBeNil)
	test.That(t, d.Input(20), test.ShouldBeNil)

	test.That(t, d.Close(), test.ShouldBeNil)

	test.That(t, sim.Direction(6), test.ShouldEqual, port.In)
	test.That(t, sim.History(6), test.ShouldResemble, []port.Level{port.Low, port.High})
	test.That(t, sim.Direction(17), test.ShouldEqual, port.In)
	test.That(t, sim.History(17), test.ShouldResemble, []port.Level{port.High, port.Low})
	for _, n := range []int{6, 17, 20} {
		test.That(t, sim.Exported(n), test.ShouldBeFalse)
	}

	test.That(t, errcode.Of(d.Write(6, port.High)), test.ShouldEqual, errcode.OperationFailure)
	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, sim.Exports(6), test.ShouldEqual, 1)
}

func TestCloseWinsOverPendingOpen(t *testing.T) {
	sim := NewSim()
	d, err := New(sim, testOptions())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, d.Write(6, port.High), test.ShouldBeNil)
	// an operation that looked the line up before the driver was closed
	l, err := d.line("write", 6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Close(), test.ShouldBeNil)

	l.mu.Lock()
	err = d.open(l)
	l.mu.Unlock()
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.OperationFailure)
	test.That(t, sim.Exports(6), test.ShouldEqual, 1)
	test.That(t, sim.Exported(6), test.ShouldBeFalse)
}

func TestCloseReportsFailures(t *testing.T) {
	sim := NewSim()
	d, err := New(sim, testOptions())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, d.Write(3, port.High), test.ShouldBeNil)
	sim.FailWrites(3, true)

	err = d.Close()
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.IOFailure)
	test.That(t, d.Close(), test.ShouldEqual, err)
	test.That(t, sim.Exported(3), test.ShouldBeFalse)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(BackendSim, BackendOptions{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldHaveSameTypeAs, &Sim{})

	_, err = NewBackend("parallel-port", BackendOptions{})
	test.That(t, errcode.Of(err), test.ShouldEqual, errcode.BadParameter)
}
