package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"radarkit/pkg/port"
)

// ErrInjected is returned by the simulator for failures requested with the Fail* methods.
var ErrInjected = errors.New("injected failure")

// Sim is an in-memory backend. It behaves like the sysfs interface and records every
// hardware access, so it is used for running without a board and for testing.
type Sim struct {
	mu        sync.Mutex
	lines     map[int]*simLine
	openDelay int
}

type simLine struct {
	exports      int
	exported     bool
	openAttempts int

	dir    port.Direction
	driven port.Level
	input  port.Level
	edge   port.Edge

	writes  int
	history []port.Level

	failWrites bool
	failReads  bool
	failEdge   bool
	failExport bool

	events chan struct{}
}

// NewSim creates a simulator with all lines unexported.
func NewSim() *Sim {
	return &Sim{lines: map[int]*simLine{}}
}

// get must be called with s.mu held.
func (s *Sim) get(n int) *simLine {
	l, ok := s.lines[n]
	if !ok {
		l = &simLine{events: make(chan struct{}, 1)}
		s.lines[n] = l
	}
	return l
}

// SetOpenDelay makes the control handles of each exported line appear only after n failed open attempts.
func (s *Sim) SetOpenDelay(n int) {
	s.mu.Lock()
	s.openDelay = n
	s.mu.Unlock()
}

func (s *Sim) Export(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.get(n)
	if l.failExport {
		return ErrInjected
	}
	l.exports++
	l.exported = true
	l.openAttempts = 0
	return nil
}

func (s *Sim) Open(n int) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.get(n)
	if !l.exported {
		return nil, errors.Errorf("gpio%d is not exported", n)
	}
	if l.openAttempts < s.openDelay {
		l.openAttempts++
		return nil, errors.Errorf("gpio%d direction: no such file or directory", n)
	}
	return &simHandle{sim: s, n: n, closed: make(chan struct{})}, nil
}

func (s *Sim) Unexport(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(n).exported = false
	return nil
}

func (s *Sim) Close() error {
	return nil
}

// Exports returns how often line n was exported.
func (s *Sim) Exports(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).exports
}

// Exported reports whether line n is currently exported.
func (s *Sim) Exported(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).exported
}

// Direction returns the direction line n is configured to.
func (s *Sim) Direction(n int) port.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).dir
}

// Level returns the level on line n: the driven level of an output, the applied level of an input.
func (s *Sim) Level(n int) port.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).level()
}

// Writes returns the number of level writes to line n, including direction changes to output.
func (s *Sim) Writes(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).writes
}

// History returns the levels driven on line n in order.
func (s *Sim) History(n int) []port.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]port.Level(nil), s.get(n).history...)
}

// Edge returns the edge configured on line n.
func (s *Sim) Edge(n int) port.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(n).edge
}

// SetInput applies level to line n from the outside. A transition selected by the
// configured edge of an input line raises an interrupt.
func (s *Sim) SetInput(n int, level port.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.get(n)
	prev := l.input
	l.input = level
	if l.dir == port.In && prev != level && l.edge.Matches(level) {
		l.raise()
	}
}

// EmuEdge raises an interrupt on line n regardless of the configured edge.
func (s *Sim) EmuEdge(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(n).raise()
}

// FailWrites makes every direction and value write to line n fail.
func (s *Sim) FailWrites(n int, fail bool) {
	s.mu.Lock()
	s.get(n).failWrites = fail
	s.mu.Unlock()
}

// FailReads makes every read of line n fail.
func (s *Sim) FailReads(n int, fail bool) {
	s.mu.Lock()
	s.get(n).failReads = fail
	s.mu.Unlock()
}

// FailEdge makes setting the edge of line n fail.
func (s *Sim) FailEdge(n int, fail bool) {
	s.mu.Lock()
	s.get(n).failEdge = fail
	s.mu.Unlock()
}

// FailExport makes exporting line n fail.
func (s *Sim) FailExport(n int, fail bool) {
	s.mu.Lock()
	s.get(n).failExport = fail
	s.mu.Unlock()
}

func (l *simLine) level() port.Level {
	if l.dir == port.Out {
		return l.driven
	}
	return l.input
}

func (l *simLine) raise() {
	select {
	case l.events <- struct{}{}:
	default:
	}
}

func (l *simLine) drive(level port.Level) {
	l.driven = level
	l.writes++
	l.history = append(l.history, level)
}

// simHandle is the handle pair of an open simulated line.
type simHandle struct {
	sim    *Sim
	n      int
	once   sync.Once
	closed chan struct{}
}

func (h *simHandle) SetDirection(dir port.Direction, level port.Level) error {
	h.sim.mu.Lock()
	defer h.sim.mu.Unlock()

	l := h.sim.get(h.n)
	if l.failWrites {
		return ErrInjected
	}
	l.dir = dir
	if dir == port.Out {
		l.drive(level)
	}
	return nil
}

func (h *simHandle) SetValue(level port.Level) error {
	h.sim.mu.Lock()
	defer h.sim.mu.Unlock()

	l := h.sim.get(h.n)
	if l.failWrites {
		return ErrInjected
	}
	l.drive(level)
	return nil
}

func (h *simHandle) Value() (port.Level, error) {
	h.sim.mu.Lock()
	defer h.sim.mu.Unlock()

	l := h.sim.get(h.n)
	if l.failReads {
		return port.Low, ErrInjected
	}
	return l.level(), nil
}

func (h *simHandle) SetEdge(edge port.Edge) error {
	h.sim.mu.Lock()
	defer h.sim.mu.Unlock()

	l := h.sim.get(h.n)
	if l.failEdge {
		return ErrInjected
	}
	l.edge = edge
	return nil
}

func (h *simHandle) WaitForEdge(timeout time.Duration) (bool, error) {
	h.sim.mu.Lock()
	events := h.sim.get(h.n).events
	h.sim.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-events:
		return true, nil
	case <-t.C:
		return false, nil
	case <-h.closed:
		return false, nil
	}
}

func (h *simHandle) ClearEdge() (port.Level, error) {
	return h.Value()
}

func (h *simHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}
