//go:build unix && !linux

package process

import (
	"errors"
	"os"
	"syscall"
)

// ErrUnsupported is returned by FindByName where no process table is readable.
var ErrUnsupported = errors.New("process: lookup by name not supported on this platform")

// Alive reports whether pid exists, using signal 0.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// FindByName is not available here.
func FindByName(string) ([]int, error) {
	return nil, ErrUnsupported
}
