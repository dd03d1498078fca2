//go:build linux

package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/gpiod"

	"radarkit/pkg/port"
)

// Cdev drives lines through a gpio character device (/dev/gpiochipN).
// The character device has no export step; a line is requested when its direction is first set.
type Cdev struct {
	chip *gpiod.Chip
}

// NewCdev opens the gpio character device, e.g. gpiochip0.
func NewCdev(chip, consumer string) (*Cdev, error) {
	c, err := gpiod.NewChip(chip, gpiod.WithConsumer(consumer))
	if err != nil {
		return nil, err
	}
	return &Cdev{chip: c}, nil
}

func (c *Cdev) Export(int) error {
	return nil
}

func (c *Cdev) Open(n int) (Handle, error) {
	if n >= c.chip.Lines() {
		return nil, errors.Errorf("%s has no line %d", c.chip.Name, n)
	}
	return &cdevLine{chip: c.chip, offset: n, events: make(chan gpiod.LineEvent, 1)}, nil
}

func (c *Cdev) Unexport(int) error {
	return nil
}

// Close releases the chip. It does not release requested lines.
func (c *Cdev) Close() error {
	return c.chip.Close()
}

// cdevLine is a requested line. The line is re-requested when its edge detection changes.
type cdevLine struct {
	chip   *gpiod.Chip
	offset int

	mu   sync.Mutex
	line *gpiod.Line
	last gpiod.LineEvent

	events chan gpiod.LineEvent
}

func (l *cdevLine) SetDirection(dir port.Direction, level port.Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	switch dir {
	case port.In:
		if l.line == nil {
			l.line, err = l.chip.RequestLine(l.offset, gpiod.AsInput)
			return err
		}
		return l.line.Reconfigure(gpiod.AsInput)
	case port.Out:
		// the initial value is applied by the same request that switches to output
		if l.line == nil {
			l.line, err = l.chip.RequestLine(l.offset, gpiod.AsOutput(int(level)))
			return err
		}
		return l.line.Reconfigure(gpiod.AsOutput(int(level)))
	}
	return errors.Errorf("line %d: invalid direction %s", l.offset, dir)
}

func (l *cdevLine) SetValue(level port.Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return errors.Errorf("line %d is not requested", l.offset)
	}
	return l.line.SetValue(int(level))
}

func (l *cdevLine) Value() (port.Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return port.Low, errors.Errorf("line %d is not requested", l.offset)
	}
	v, err := l.line.Value()
	return port.LevelOf(v), err
}

// SetEdge re-requests the line as input with the edge detection and event handler.
func (l *cdevLine) SetEdge(edge port.Edge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	opts := []gpiod.LineReqOption{gpiod.AsInput}
	switch edge {
	case port.EdgeRising:
		opts = append(opts, gpiod.WithRisingEdge, gpiod.WithEventHandler(l.handler))
	case port.EdgeFalling:
		opts = append(opts, gpiod.WithFallingEdge, gpiod.WithEventHandler(l.handler))
	case port.EdgeBoth:
		opts = append(opts, gpiod.WithBothEdges, gpiod.WithEventHandler(l.handler))
	}

	if l.line != nil {
		if err := l.line.Close(); err != nil {
			return err
		}
		l.line = nil
	}

	var err error
	l.line, err = l.chip.RequestLine(l.offset, opts...)
	return err
}

// handler runs in the event goroutine of gpiod and must not block.
func (l *cdevLine) handler(evt gpiod.LineEvent) {
	select {
	case l.events <- evt:
	default:
	}
}

func (l *cdevLine) WaitForEdge(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case evt := <-l.events:
		l.mu.Lock()
		l.last = evt
		l.mu.Unlock()
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// ClearEdge returns the level after the last event; the event itself was consumed by WaitForEdge.
func (l *cdevLine) ClearEdge() (port.Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last.Type == gpiod.LineEventRisingEdge {
		return port.High, nil
	}
	return port.Low, nil
}

// Close releases the line. It waits for a running event handler to return,
// so it must not be called from the handler.
func (l *cdevLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return nil
	}
	err := l.line.Close()
	l.line = nil
	return err
}
