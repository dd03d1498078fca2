// Package port holds the definition of a physical gpio line: level, direction, edge and events.
package port

import (
	"fmt"
	"strings"
	"time"
)

// Level is the logical level of a line.
type Level int

const (
	// Low indicates a logical 0.
	Low Level = 0
	// High indicates a logical 1.
	High Level = 1
)

// LevelOf normalizes any nonzero value to High.
func LevelOf(v int) Level {
	if v != 0 {
		return High
	}
	return Low
}

// Invert returns the opposite level.
func (l Level) Invert() Level {
	if l == High {
		return Low
	}
	return High
}

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// ParseLevel accepts low/high, 0/1.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return Low, nil
	case "high", "1":
		return High, nil
	}
	return Low, fmt.Errorf("invalid level %q", s)
}

// MarshalYAML and UnmarshalYAML let config files say "low" or "high".
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	v, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Direction of a line. A line is Unknown until the driver has set it.
type Direction int

const (
	Unknown Direction = iota
	In
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	}
	return "unknown"
}

// Edge selects the transitions which trigger an interrupt.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	}
	return "none"
}

// Matches reports whether a transition to level l is selected by e.
func (e Edge) Matches(l Level) bool {
	switch e {
	case EdgeBoth:
		return true
	case EdgeRising:
		return l == High
	case EdgeFalling:
		return l == Low
	}
	return false
}

// EventType indicates the type of change to the line level.
type EventType int

const (
	_ EventType = iota
	// RisingEdge indicates a low to high transition.
	RisingEdge
	// FallingEdge indicates a high to low transition.
	FallingEdge
)

func (t EventType) String() string {
	switch t {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	}
	return "unknown"
}

// EventTypeOf derives the event type from the level read after the edge.
func EventTypeOf(l Level) EventType {
	if l == High {
		return RisingEdge
	}
	return FallingEdge
}

// Event is delivered to an interrupt callback.
type Event struct {
	// Line is the index of the line that triggered.
	Line int
	// Type is derived from the level read while clearing the interrupt.
	Type EventType
	// Timestamp indicates the time the event was detected.
	Timestamp time.Time
}
