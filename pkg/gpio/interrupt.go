package gpio

import (
	"context"

	"github.com/womat/debug"

	"radarkit/pkg/errcode"
	"radarkit/pkg/port"
)

// waitTask is the background goroutine servicing the interrupts of one line.
// done is closed when the goroutine has returned.
type waitTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *waitTask) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// stop cancels the task and waits until it has returned.
// A wait in progress is not interrupted, so stop may block for up to one poll timeout.
func (t *waitTask) stop() {
	t.cancel()
	<-t.done
}

func (l *line) setCallback(cb Callback) {
	l.cbMu.Lock()
	l.callback = cb
	l.cbMu.Unlock()
}

func (l *line) getCallback() Callback {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	return l.callback
}

// RegisterInterrupt calls cb for every edge on line n.
// A nil cb unregisters. If a callback is already registered it is swapped without restarting
// the wait goroutine, and edge is ignored.
func (d *Driver) RegisterInterrupt(n int, edge port.Edge, cb Callback) error {
	l, err := d.line("register interrupt", n)
	if err != nil {
		return err
	}

	if cb == nil {
		d.unregister(l)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err = d.open(l); err != nil {
		return err
	}

	if l.task != nil {
		if l.task.alive() {
			// A callback is already registered so just swap it
			l.setCallback(cb)
			return nil
		}

		// the wait goroutine gave up after a wait error, start over
		l.task = nil
	}

	l.setCallback(cb)
	if err = l.h.SetEdge(edge); err != nil {
		l.setCallback(nil)
		debug.ErrorLog.Printf("unable to set gpio%d edge %s: %v", n, edge, err)
		return errcode.New(errcode.IOFailure, "edge", n, err)
	}
	l.edge = edge

	ctx, cancel := context.WithCancel(context.Background())
	l.task = &waitTask{cancel: cancel, done: make(chan struct{})}
	go d.waitForInterrupts(ctx, l, l.h, l.task.done)
	return nil
}

// unregister clears the callback of l and waits for its wait goroutine to return.
// No callback is called after unregister returned.
func (d *Driver) unregister(l *line) {
	l.mu.Lock()
	t := l.task
	l.task = nil
	l.setCallback(nil)
	if t != nil {
		t.cancel()
	}
	l.mu.Unlock()

	if t == nil {
		return
	}
	t.stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.task == nil && l.isOpen && l.edge != port.EdgeNone {
		if err := l.h.SetEdge(port.EdgeNone); err != nil {
			debug.DebugLog.Printf("unable to reset gpio%d edge: %v", l.n, err)
			return
		}
		l.edge = port.EdgeNone
	}
}

// waitForInterrupts waits until an edge is detected and calls the registered callback.
// It returns when the task is cancelled, the callback is cleared or the wait fails.
// A failed wait releases the callback, so a new registration starts a new task.
func (d *Driver) waitForInterrupts(ctx context.Context, l *line, h Handle, done chan struct{}) {
	defer close(done)

	abandon := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.task != nil && l.task.done == done {
			l.task = nil
			l.setCallback(nil)
		}
	}

	for ctx.Err() == nil && l.getCallback() != nil {
		triggered, err := h.WaitForEdge(d.opts.PollTimeout)
		if err != nil {
			debug.FatalLog.Printf("an error occurred while waiting for interrupt on gpio%d: %v", l.n, err)
			abandon()
			return
		}
		if !triggered {
			continue
		}

		level, err := h.ClearEdge()
		if err != nil {
			debug.FatalLog.Printf("failed to clear interrupt on gpio%d: %v", l.n, err)
			abandon()
			return
		}

		if ctx.Err() != nil {
			return
		}

		if cb := l.getCallback(); cb != nil {
			cb(port.Event{Line: l.n, Type: port.EventTypeOf(level), Timestamp: d.opts.Clock.Now()})
		}
	}
}
