//go:build !windows && !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package intercept

import (
	"errors"
	"os"
	"path/filepath"
)

var errUnsupported = errors.New("intercept: named objects unsupported on this platform")

// Native is unavailable on this platform; every call fails.
type Native struct{}

// NewNative returns a Native that fails every call.
func NewNative(string) *Native { return &Native{} }

// DefaultDir mirrors the unix layout.
func DefaultDir() string { return filepath.Join(os.TempDir(), "boardfleet-sync") }

func (*Native) CreateMutex(string, bool) (Mutex, error)       { return nil, errUnsupported }
func (*Native) OpenMutex(string) (Mutex, error)               { return nil, errUnsupported }
func (*Native) CreateEvent(string, bool, bool) (Event, error) { return nil, errUnsupported }
func (*Native) OpenEvent(string) (Event, error)               { return nil, errUnsupported }
