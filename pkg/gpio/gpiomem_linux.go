//go:build linux

package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	bcm "github.com/warthog618/gpio"

	"radarkit/pkg/port"
)

// bcmLines is the number of gpios of the BCM283x.
const bcmLines = 54

// Gpiomem drives the BCM283x registers mapped from /dev/gpiomem.
type Gpiomem struct{}

// NewGpiomem maps the gpio memory range from /dev/gpiomem.
func NewGpiomem() (*Gpiomem, error) {
	if err := bcm.Open(); err != nil {
		return nil, err
	}
	return &Gpiomem{}, nil
}

func (g *Gpiomem) Export(int) error {
	return nil
}

func (g *Gpiomem) Open(n int) (Handle, error) {
	if n < 0 || n >= bcmLines {
		return nil, errors.Errorf("gpio%d is not a bcm gpio", n)
	}
	return &gpiomemPin{pin: bcm.NewPin(n), events: make(chan struct{}, 1)}, nil
}

func (g *Gpiomem) Unexport(int) error {
	return nil
}

// Close removes the interrupt handlers and unmaps the gpio memory.
func (g *Gpiomem) Close() error {
	return bcm.Close()
}

type gpiomemPin struct {
	pin *bcm.Pin

	mu       sync.Mutex
	watching bool
	events   chan struct{}
}

func (p *gpiomemPin) SetDirection(dir port.Direction, level port.Level) error {
	switch dir {
	case port.In:
		p.pin.Input()
	case port.Out:
		// the output latch is set before the pin becomes an output
		p.pin.Write(bcm.Level(level == port.High))
		p.pin.Output()
	default:
		return errors.Errorf("gpio%d: invalid direction %s", p.pin.Pin(), dir)
	}
	return nil
}

func (p *gpiomemPin) SetValue(level port.Level) error {
	p.pin.Write(bcm.Level(level == port.High))
	return nil
}

func (p *gpiomemPin) Value() (port.Level, error) {
	if p.pin.Read() {
		return port.High, nil
	}
	return port.Low, nil
}

// SetEdge replaces the watch on the pin. There can only be one watcher on the pin at a time.
func (p *gpiomemPin) SetEdge(edge port.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watching {
		p.pin.Unwatch()
		p.watching = false
	}

	var e bcm.Edge
	switch edge {
	case port.EdgeNone:
		return nil
	case port.EdgeRising:
		e = bcm.EdgeRising
	case port.EdgeFalling:
		e = bcm.EdgeFalling
	case port.EdgeBoth:
		e = bcm.EdgeBoth
	}

	if err := p.pin.Watch(e, p.handler); err != nil {
		return err
	}
	p.watching = true
	return nil
}

func (p *gpiomemPin) handler(*bcm.Pin) {
	select {
	case p.events <- struct{}{}:
	default:
	}
}

func (p *gpiomemPin) WaitForEdge(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.events:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

func (p *gpiomemPin) ClearEdge() (port.Level, error) {
	return p.Value()
}

// Close removes any watch from the pin.
func (p *gpiomemPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watching {
		p.pin.Unwatch()
		p.watching = false
	}
	return nil
}
