//go:build windows

package intercept

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

const (
	mutexAllAccess = 0x1F0001
	eventAllAccess = 0x1F0003
)

// Native forwards to the kernel's named mutex and event objects. The
// kernel already shares one object between handles of the same name, so
// there is no cache.
//
// Windows mutexes belong to the thread that acquired them. Callers that
// Unlock must stay on the locking OS thread (runtime.LockOSThread).
type Native struct{}

// NewNative returns the kernel-backed Native. The directory is unused.
func NewNative(string) *Native { return &Native{} }

// DefaultDir is unused on windows.
func DefaultDir() string { return "" }

func utf16Name(name string) (*uint16, error) {
	if name == "" {
		return nil, nil
	}
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	return p, nil
}

// openErr maps kernel errors from the open calls.
func openErr(name string, err error) error {
	if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
		return fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return fmt.Errorf("opening %s: %w", name, err)
}

// CreateMutex implements API.
func (*Native) CreateMutex(name string, initialOwner bool) (Mutex, error) {
	p, err := utf16Name(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, initialOwner, p)
	switch {
	case err == nil:
		return &winMutex{handle: h, name: name, owned: initialOwner}, nil
	case errors.Is(err, windows.ERROR_ALREADY_EXISTS):
		// initialOwner is ignored by the kernel for an existing mutex.
		return &winMutex{handle: h, name: name}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	default:
		return nil, fmt.Errorf("creating mutex %s: %w", name, err)
	}
}

// OpenMutex implements API.
func (*Native) OpenMutex(name string) (Mutex, error) {
	p, err := utf16Name(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenMutex(mutexAllAccess, false, p)
	if err != nil {
		return nil, openErr(name, err)
	}
	return &winMutex{handle: h, name: name}, nil
}

// CreateEvent implements API.
func (*Native) CreateEvent(name string, manualReset, initialState bool) (Event, error) {
	p, err := utf16Name(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateEvent(nil, boolToUint32(manualReset), boolToUint32(initialState), p)
	switch {
	case err == nil:
		return &winEvent{handle: h, name: name}, nil
	case errors.Is(err, windows.ERROR_ALREADY_EXISTS):
		return &winEvent{handle: h, name: name}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	default:
		return nil, fmt.Errorf("creating event %s: %w", name, err)
	}
}

// OpenEvent implements API.
func (*Native) OpenEvent(name string) (Event, error) {
	p, err := utf16Name(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenEvent(eventAllAccess, false, p)
	if err != nil {
		return nil, openErr(name, err)
	}
	return &winEvent{handle: h, name: name}, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// tryWait polls a handle without blocking.
func tryWait(h windows.Handle) (bool, error) {
	ev, err := windows.WaitForSingleObject(h, 0)
	switch ev {
	case windows.WAIT_OBJECT_0, windows.WAIT_ABANDONED:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, fmt.Errorf("waiting: %w", err)
	}
}

type winMutex struct {
	handle windows.Handle
	name   string

	mu    sync.Mutex
	owned bool
	once  sync.Once
}

func (m *winMutex) Name() string { return m.name }

func (m *winMutex) TryLock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owned {
		return true, nil
	}
	ok, err := tryWait(m.handle)
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", m.name, err)
	}
	m.owned = ok
	return ok, nil
}

func (m *winMutex) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owned {
		return fmt.Errorf("intercept: unlock of unowned mutex %s", m.name)
	}
	if err := windows.ReleaseMutex(m.handle); err != nil {
		return fmt.Errorf("unlocking %s: %w", m.name, err)
	}
	m.owned = false
	return nil
}

func (m *winMutex) Close() error {
	var err error
	m.once.Do(func() { err = windows.CloseHandle(m.handle) })
	return err
}

type winEvent struct {
	handle windows.Handle
	name   string
	once   sync.Once
}

func (e *winEvent) Name() string { return e.name }

func (e *winEvent) Set() error { return windows.SetEvent(e.handle) }

func (e *winEvent) Reset() error { return windows.ResetEvent(e.handle) }

func (e *winEvent) TryWait() (bool, error) {
	ok, err := tryWait(e.handle)
	if err != nil {
		return false, fmt.Errorf("waiting on %s: %w", e.name, err)
	}
	return ok, nil
}

func (e *winEvent) Close() error {
	var err error
	e.once.Do(func() { err = windows.CloseHandle(e.handle) })
	return err
}
