// Package gpio is the line driver: it exports gpio lines, sets their direction, reads and writes
// their levels and services edge interrupts in a background goroutine per line.
package gpio

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/womat/debug"
	"go.uber.org/multierr"

	"radarkit/pkg/errcode"
	"radarkit/pkg/port"
)

// Callback is called from the wait goroutine of a line for every edge event.
// It must not unregister its own line.
type Callback func(port.Event)

// Options defines the size of the line table and the timing policy of the driver.
type Options struct {
	// Lines is the number of lines supported by the controller.
	Lines int
	// RetryInterval is the pause between two attempts to open the control handles after export.
	RetryInterval time.Duration
	// RetryTimeout is the ceiling for all attempts to open the control handles.
	RetryTimeout time.Duration
	// PollTimeout bounds a single interrupt wait, and so the time to notice an unregistration.
	PollTimeout time.Duration
	// Clock is used for the retry sleeps and event timestamps.
	Clock clock.Clock
}

// DefaultOptions returns the options of a Raspberry Pi header.
func DefaultOptions() Options {
	return Options{
		Lines:         28,
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  time.Second,
		PollTimeout:   800 * time.Millisecond,
		Clock:         clock.New(),
	}
}

// line holds the state of one gpio line.
// mu guards everything but callback, which is guarded by cbMu because the wait goroutine reads it.
type line struct {
	n int

	mu     sync.Mutex
	isOpen bool
	h      Handle
	dir    port.Direction
	level  port.Level
	pull   port.Level
	edge   port.Edge
	task   *waitTask

	cbMu     sync.Mutex
	callback Callback
}

// Driver owns all lines of a Backend and their OS handles.
type Driver struct {
	backend Backend
	opts    Options

	lines []*line

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// LineInfo is a snapshot of an open line.
type LineInfo struct {
	Line      int    `json:"line"`
	Direction string `json:"direction"`
	Level     string `json:"level"`
	Pull      string `json:"pull"`
	Edge      string `json:"edge"`
	Interrupt bool   `json:"interrupt"`
}

// New allocates the line table. Lines are opened lazily on first use.
func New(b Backend, o Options) (*Driver, error) {
	if b == nil {
		return nil, errcode.Newf(errcode.BadParameter, "gpio driver", 0, "no backend")
	}
	if o.Lines <= 0 {
		debug.ErrorLog.Printf("invalid gpio line count %d", o.Lines)
		return nil, errcode.Newf(errcode.BadParameter, "gpio driver", o.Lines, "invalid line count")
	}

	def := DefaultOptions()
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = def.RetryTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}

	d := &Driver{
		backend: b,
		opts:    o,
		lines:   make([]*line, o.Lines),
	}
	for n := range d.lines {
		d.lines[n] = &line{n: n}
	}
	return d, nil
}

// Count returns the number of lines supported by the driver.
func (d *Driver) Count() int {
	return len(d.lines)
}

func (d *Driver) line(op string, n int) (*line, error) {
	if n < 0 || n >= len(d.lines) {
		debug.ErrorLog.Printf("gpio %d is not a valid gpio line", n)
		return nil, errcode.New(errcode.BadParameter, op, n, nil)
	}

	if d.isClosed() {
		debug.ErrorLog.Printf("gpio%d: %s after driver shutdown", n, op)
		return nil, errcode.Newf(errcode.OperationFailure, op, n, "driver is closed")
	}
	return d.lines[n], nil
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Open exports line n and opens its control handles. Open is idempotent.
func (d *Driver) Open(n int) error {
	l, err := d.line("open", n)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return d.open(l)
}

// open must be called with l.mu held.
// A line released by Close is never opened again.
func (d *Driver) open(l *line) error {
	if d.isClosed() {
		debug.ErrorLog.Printf("gpio%d: open after driver shutdown", l.n)
		return errcode.Newf(errcode.OperationFailure, "open", l.n, "driver is closed")
	}
	if l.isOpen {
		return nil
	}

	if err := d.backend.Export(l.n); err != nil {
		debug.FatalLog.Printf("could not export gpio%d: %v", l.n, err)
		return errcode.New(errcode.IOFailure, "export", l.n, err)
	}

	l.dir = port.Unknown
	l.level = port.Low
	l.pull = port.Low

	start := d.opts.Clock.Now()
	for {
		h, err := d.backend.Open(l.n)
		if err == nil {
			debug.TraceLog.Printf("waited %v on gpio%d open", d.opts.Clock.Now().Sub(start), l.n)
			l.h = h
			l.isOpen = true
			return nil
		}

		if d.opts.Clock.Now().Sub(start) >= d.opts.RetryTimeout {
			debug.ErrorLog.Printf("unable to open gpio%d: %v", l.n, err)
			return errcode.New(errcode.IOFailure, "open", l.n, err)
		}
		d.opts.Clock.Sleep(d.opts.RetryInterval)
	}
}

// SetInitialPull records the level line n rests at after reset. The hardware is not changed.
func (d *Driver) SetInitialPull(n int, level port.Level) error {
	l, err := d.line("set initial pull", n)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err = d.open(l); err != nil {
		return err
	}

	l.pull = port.LevelOf(int(level))
	return nil
}

// Input configures line n as input.
// An output is first driven to its pull level to avoid a glitch when it is switched to output again.
func (d *Driver) Input(n int) error {
	l, err := d.line("input", n)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err = d.open(l); err != nil {
		return err
	}

	if l.dir == port.In {
		return nil
	}

	if l.dir == port.Out {
		if err = l.setValue(l.pull); err != nil {
			return err
		}
	}
	return l.setDirection(port.In, port.Low)
}

// Write drives line n to level, switching it to output first if needed.
func (d *Driver) Write(n int, level port.Level) error {
	l, err := d.line("write", n)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err = d.open(l); err != nil {
		return err
	}

	level = port.LevelOf(int(level))
	if l.dir == port.Out {
		return l.setValue(level)
	}
	return l.setDirection(port.Out, level)
}

// Read returns the level of input line n.
func (d *Driver) Read(n int) (port.Level, error) {
	l, err := d.line("read", n)
	if err != nil {
		return port.Low, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err = d.open(l); err != nil {
		return port.Low, err
	}

	if l.dir != port.In {
		debug.ErrorLog.Printf("cannot read gpio%d as it is %s", n, l.dir)
		return port.Low, errcode.Newf(errcode.OperationFailure, "read", n, "line is %s", l.dir)
	}

	v, err := l.h.Value()
	if err != nil {
		debug.ErrorLog.Printf("unable to read from gpio%d: %v", n, err)
		return port.Low, errcode.New(errcode.IOFailure, "read", n, err)
	}
	return v, nil
}

// Direction returns the direction of line n as known to the driver.
func (d *Driver) Direction(n int) (port.Direction, error) {
	l, err := d.line("direction", n)
	if err != nil {
		return port.Unknown, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir, nil
}

// Lines returns a snapshot of all open lines.
func (d *Driver) Lines() []LineInfo {
	var info []LineInfo
	for _, l := range d.lines {
		l.mu.Lock()
		if l.isOpen {
			info = append(info, LineInfo{
				Line:      l.n,
				Direction: l.dir.String(),
				Level:     l.level.String(),
				Pull:      l.pull.String(),
				Edge:      l.edge.String(),
				Interrupt: l.task != nil,
			})
		}
		l.mu.Unlock()
	}
	return info
}

// Close restores every output line to its pull level, switches it to input and releases all lines.
// Close runs once; further calls return the first result.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.closeErr = d.shutdownAll()
	})
	return d.closeErr
}

func (d *Driver) shutdownAll() (err error) {
	for _, l := range d.lines {
		d.unregister(l)

		l.mu.Lock()
		if l.isOpen {
			if l.dir == port.Out {
				err = multierr.Append(err, l.setValue(l.pull))
				err = multierr.Append(err, l.setDirection(port.In, port.Low))
			}

			if e := l.h.Close(); e != nil {
				debug.ErrorLog.Printf("could not close gpio%d: %v", l.n, e)
				err = multierr.Append(err, errcode.New(errcode.IOFailure, "close", l.n, e))
			}

			if e := d.backend.Unexport(l.n); e != nil {
				debug.ErrorLog.Printf("could not unexport gpio%d: %v", l.n, e)
				err = multierr.Append(err, errcode.New(errcode.IOFailure, "unexport", l.n, e))
			}

			l.h = nil
			l.isOpen = false
		}
		l.mu.Unlock()
	}

	if e := d.backend.Close(); e != nil {
		debug.ErrorLog.Printf("could not close gpio backend: %v", e)
		err = multierr.Append(err, errcode.New(errcode.IOFailure, "close backend", 0, e))
	}
	return err
}

// setDirection must be called with l.mu held.
func (l *line) setDirection(dir port.Direction, level port.Level) error {
	if err := l.h.SetDirection(dir, level); err != nil {
		debug.ErrorLog.Printf("could not write to gpio%d direction: %v", l.n, err)
		return errcode.New(errcode.IOFailure, "direction", l.n, err)
	}

	l.dir = dir
	if dir == port.Out {
		l.level = level
	}
	return nil
}

// setValue must be called with l.mu held. Unchanged levels are not written.
func (l *line) setValue(level port.Level) error {
	if l.level == level {
		return nil
	}

	if err := l.h.SetValue(level); err != nil {
		debug.ErrorLog.Printf("could not write to gpio%d value: %v", l.n, err)
		return errcode.New(errcode.IOFailure, "value", l.n, err)
	}
	l.level = level
	return nil
}
