package gpio

import (
	"time"

	"radarkit/pkg/errcode"
	"radarkit/pkg/port"
)

// Backend kinds selectable in the configuration.
const (
	BackendSysfs   = "sysfs"
	BackendCdev    = "cdev"
	BackendGpiomem = "gpiomem"
	BackendSim     = "sim"
)

// DefaultSysfsRoot is the gpio class directory of the sysfs interface.
const DefaultSysfsRoot = "/sys/class/gpio"

// Backend gives access to the control handles of the lines of one gpio controller.
// The Driver is the only user of a Backend.
type Backend interface {
	// Export asks the OS to materialize the control handles of line n.
	Export(n int) error
	// Open makes a single attempt to open the control handles of line n.
	// The Driver retries until the handles appear.
	Open(n int) (Handle, error)
	// Unexport releases line n to the OS.
	Unexport(n int) error
	// Close releases the controller.
	Close() error
}

// Handle is the exclusive direction/value control pair of an open line.
type Handle interface {
	// SetDirection switches the direction. For port.Out the level is applied
	// together with the direction change, so the line never passes through a default level.
	SetDirection(dir port.Direction, level port.Level) error
	// SetValue drives an output line.
	SetValue(level port.Level) error
	// Value reads the current level.
	Value() (port.Level, error)
	// SetEdge selects the transitions reported by WaitForEdge.
	SetEdge(edge port.Edge) error
	// WaitForEdge blocks until an edge event is pending or the timeout expired.
	WaitForEdge(timeout time.Duration) (bool, error)
	// ClearEdge consumes the pending event and returns the level read while doing so.
	ClearEdge() (port.Level, error)
	Close() error
}

// BackendOptions holds the parameters of the selectable backends.
type BackendOptions struct {
	// SysfsRoot is the gpio class directory, e.g. /sys/class/gpio.
	SysfsRoot string
	// Chip is the gpio character device, e.g. gpiochip0.
	Chip string
	// Consumer labels lines requested through the character device.
	Consumer string
}

// NewBackend creates the backend of the given kind.
func NewBackend(kind string, o BackendOptions) (Backend, error) {
	switch kind {
	case BackendSysfs, "":
		if o.SysfsRoot == "" {
			o.SysfsRoot = DefaultSysfsRoot
		}
		s, err := NewSysfs(o.SysfsRoot)
		if err != nil {
			return nil, backendError(kind, err)
		}
		return s, nil
	case BackendCdev:
		if o.Chip == "" {
			o.Chip = "gpiochip0"
		}
		if o.Consumer == "" {
			o.Consumer = "radarkit"
		}
		c, err := NewCdev(o.Chip, o.Consumer)
		if err != nil {
			return nil, backendError(kind, err)
		}
		return c, nil
	case BackendGpiomem:
		g, err := NewGpiomem()
		if err != nil {
			return nil, backendError(kind, err)
		}
		return g, nil
	case BackendSim:
		return NewSim(), nil
	}
	return nil, errcode.Newf(errcode.BadParameter, "backend", 0, "unknown gpio backend %q", kind)
}

// backendError keeps the code of err if it has one and reports an IOFailure otherwise.
func backendError(kind string, err error) error {
	if errcode.Of(err) != errcode.Failure {
		return err
	}
	return errcode.Newf(errcode.IOFailure, "backend", 0, "%s: %v", kind, err)
}
