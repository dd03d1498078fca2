//go:build !linux

package gpio

import "radarkit/pkg/errcode"

// Sysfs, Cdev and Gpiomem are only available on linux; use the sim backend elsewhere.
type (
	Sysfs   struct{ Backend }
	Cdev    struct{ Backend }
	Gpiomem struct{ Backend }
)

func NewSysfs(string) (*Sysfs, error) {
	return nil, errcode.Newf(errcode.Unsupported, "sysfs backend", 0, "not supported on this platform")
}

func NewCdev(string, string) (*Cdev, error) {
	return nil, errcode.Newf(errcode.Unsupported, "cdev backend", 0, "not supported on this platform")
}

func NewGpiomem() (*Gpiomem, error) {
	return nil, errcode.Newf(errcode.Unsupported, "gpiomem backend", 0, "not supported on this platform")
}
