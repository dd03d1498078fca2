//go:build linux

package gpio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"radarkit/pkg/port"
)

// Sysfs drives lines through the gpio class directory (/sys/class/gpio).
type Sysfs struct {
	root string
}

// NewSysfs uses root as the gpio class directory.
func NewSysfs(root string) (*Sysfs, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errors.Wrapf(err, "gpio sysfs %s", root)
	}
	return &Sysfs{root: root}, nil
}

func (s *Sysfs) path(n int, name string) string {
	return filepath.Join(s.root, fmt.Sprintf("gpio%d", n), name)
}

// Export unexports a line left over by a previous process, then exports it.
func (s *Sysfs) Export(n int) error {
	_ = writeFile(filepath.Join(s.root, "unexport"), strconv.Itoa(n))
	return writeFile(filepath.Join(s.root, "export"), strconv.Itoa(n))
}

func (s *Sysfs) Open(n int) (Handle, error) {
	dir, err := os.OpenFile(s.path(n, "direction"), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	value, err := os.OpenFile(s.path(n, "value"), os.O_RDWR, 0)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}

	return &sysfsHandle{n: n, edgePath: s.path(n, "edge"), dir: dir, value: value}, nil
}

func (s *Sysfs) Unexport(n int) error {
	return writeFile(filepath.Join(s.root, "unexport"), strconv.Itoa(n))
}

func (s *Sysfs) Close() error {
	return nil
}

// writeFile writes value to an existing sysfs attribute.
func writeFile(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return writeAll(f, value)
}

func writeAll(f *os.File, value string) error {
	n, err := f.WriteAt([]byte(value), 0)
	if err != nil {
		return err
	}
	if n != len(value) {
		return errors.Errorf("expected to write %d bytes to %s, but wrote %d", len(value), f.Name(), n)
	}
	return nil
}

// sysfsHandle holds the open direction and value attributes of a line.
// mu serializes the seek/read pairs on the value attribute.
type sysfsHandle struct {
	n        int
	edgePath string
	dir      *os.File

	mu    sync.Mutex
	value *os.File
}

func (h *sysfsHandle) SetDirection(dir port.Direction, level port.Level) error {
	switch dir {
	case port.In:
		return writeAll(h.dir, "in")
	case port.Out:
		// "low" and "high" configure the output and its initial level in one step
		if level == port.High {
			return writeAll(h.dir, "high")
		}
		return writeAll(h.dir, "low")
	}
	return errors.Errorf("gpio%d: invalid direction %s", h.n, dir)
}

func (h *sysfsHandle) SetValue(level port.Level) error {
	if level == port.High {
		return writeAll(h.value, "1")
	}
	return writeAll(h.value, "0")
}

func (h *sysfsHandle) Value() (port.Level, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read()
}

// read must be called with h.mu held.
func (h *sysfsHandle) read() (port.Level, error) {
	offset, err := h.value.Seek(0, io.SeekStart)
	if err != nil {
		return port.Low, err
	}
	if offset > 0 {
		return port.Low, errors.Errorf("seek on gpio%d value returned %d", h.n, offset)
	}

	var b [10]byte
	n, err := h.value.Read(b[:])
	if err != nil && err != io.EOF {
		return port.Low, err
	}
	if n == 0 {
		return port.Low, errors.Errorf("zero bytes read for gpio%d", h.n)
	}

	if b[0] != '0' {
		return port.High, nil
	}
	return port.Low, nil
}

func (h *sysfsHandle) SetEdge(edge port.Edge) error {
	return writeFile(h.edgePath, edge.String())
}

// WaitForEdge polls the value attribute for POLLPRI, which the kernel raises on a selected edge.
func (h *sysfsHandle) WaitForEdge(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(h.value.Fd()), Events: unix.POLLPRI | unix.POLLERR}}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearEdge rewinds the value attribute and reads it, which acknowledges the event.
func (h *sysfsHandle) ClearEdge() (port.Level, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read()
}

func (h *sysfsHandle) Close() error {
	err := h.dir.Close()
	if e := h.value.Close(); err == nil {
		err = e
	}
	return err
}
