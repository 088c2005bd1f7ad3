//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package intercept

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Native emulates named kernel objects with lock files in one directory.
//
// Each object is a pair of files. Every open handle holds a shared flock on
// the ref file, so an exclusive attempt on it tells whether anyone else has
// the object open. A mutex is owned by holding an exclusive flock on its
// lock file. An event is signaled while its set file exists.
//
// Handles for the same name inside one Native share one object, since
// flock conflicts between open file descriptions even within a process.
type Native struct {
	dir string

	mu      sync.Mutex
	objects map[string]*object
}

// NewNative returns a Native rooted at dir. The directory is created on
// first use.
func NewNative(dir string) *Native {
	return &Native{dir: dir, objects: make(map[string]*object)}
}

// DefaultDir is $XDG_RUNTIME_DIR/boardfleet-sync, or the same under the
// temp directory when no runtime dir is set.
func DefaultDir() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "boardfleet-sync")
}

type objectKind string

const (
	kindMutex objectKind = "mutex"
	kindEvent objectKind = "event"
)

type object struct {
	native *Native
	key    string
	kind   objectKind
	name   string
	base   string
	refs   int

	ref *os.File

	// Mutex state. Guarded by native.mu.
	lock  *os.File
	owned bool

	// Event state. An event opened rather than created here is treated
	// as auto-reset.
	manualReset bool
}

// acquire returns the cached object for name, or opens it. existed reports
// whether the object was already open anywhere before this call.
func (n *Native) acquire(kind objectKind, name string, create bool) (*object, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("%w: empty name", ErrInvalidName)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := string(kind) + ":" + name
	if obj, ok := n.objects[key]; ok {
		obj.refs++
		return obj, true, nil
	}

	if err := os.MkdirAll(n.dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("creating sync dir: %w", err)
	}

	base := filepath.Join(n.dir, url.PathEscape(name)+"."+string(kind))
	ref, err := os.OpenFile(base+".ref", os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // name is escaped
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", name, err)
	}

	existed := false
	switch err := unix.Flock(int(ref.Fd()), unix.LOCK_EX|unix.LOCK_NB); {
	case err == nil:
		if !create {
			unix.Flock(int(ref.Fd()), unix.LOCK_UN) //nolint:errcheck // closing releases it anyway
			ref.Close()
			return nil, false, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
	case errors.Is(err, unix.EWOULDBLOCK):
		existed = true
	default:
		ref.Close()
		return nil, false, fmt.Errorf("locking %s: %w", name, err)
	}

	// Downgrade, or join the other holders.
	if err := unix.Flock(int(ref.Fd()), unix.LOCK_SH); err != nil {
		ref.Close()
		return nil, false, fmt.Errorf("sharing %s: %w", name, err)
	}

	obj := &object{native: n, key: key, kind: kind, name: name, base: base, refs: 1, ref: ref}
	n.objects[key] = obj
	return obj, existed, nil
}

// release drops one reference, closing the files with the last one.
func (o *object) release() error {
	n := o.native
	n.mu.Lock()
	defer n.mu.Unlock()

	o.refs--
	if o.refs > 0 {
		return nil
	}
	delete(n.objects, o.key)

	var errs []error
	if o.lock != nil {
		errs = append(errs, o.lock.Close())
	}
	errs = append(errs, o.ref.Close())
	return errors.Join(errs...)
}

// CreateMutex implements API.
func (n *Native) CreateMutex(name string, initialOwner bool) (Mutex, error) {
	obj, existed, err := n.acquire(kindMutex, name, true)
	if err != nil {
		return nil, err
	}
	m := &mutexHandle{obj: obj}
	if existed {
		return m, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if initialOwner {
		if _, err := m.TryLock(); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// OpenMutex implements API.
func (n *Native) OpenMutex(name string) (Mutex, error) {
	obj, _, err := n.acquire(kindMutex, name, false)
	if err != nil {
		return nil, err
	}
	return &mutexHandle{obj: obj}, nil
}

// CreateEvent implements API.
func (n *Native) CreateEvent(name string, manualReset, initialState bool) (Event, error) {
	obj, existed, err := n.acquire(kindEvent, name, true)
	if err != nil {
		return nil, err
	}
	e := &eventHandle{obj: obj}
	if existed {
		return e, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	n.mu.Lock()
	obj.manualReset = manualReset
	n.mu.Unlock()

	if initialState {
		err = e.Set()
	} else {
		err = e.Reset()
	}
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// OpenEvent implements API.
func (n *Native) OpenEvent(name string) (Event, error) {
	obj, _, err := n.acquire(kindEvent, name, false)
	if err != nil {
		return nil, err
	}
	return &eventHandle{obj: obj}, nil
}

type mutexHandle struct {
	obj  *object
	once sync.Once
}

func (m *mutexHandle) Name() string { return m.obj.name }

func (m *mutexHandle) TryLock() (bool, error) {
	o := m.obj
	n := o.native
	n.mu.Lock()
	defer n.mu.Unlock()

	if o.owned {
		return true, nil
	}
	if o.lock == nil {
		f, err := os.OpenFile(o.base+".lock", os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // name is escaped
		if err != nil {
			return false, fmt.Errorf("opening %s lock: %w", o.name, err)
		}
		o.lock = f
	}

	switch err := unix.Flock(int(o.lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); {
	case err == nil:
		o.owned = true
		return true, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return false, nil
	default:
		return false, fmt.Errorf("locking %s: %w", o.name, err)
	}
}

func (m *mutexHandle) Unlock() error {
	o := m.obj
	n := o.native
	n.mu.Lock()
	defer n.mu.Unlock()

	if !o.owned {
		return fmt.Errorf("intercept: unlock of unowned mutex %s", o.name)
	}
	if err := unix.Flock(int(o.lock.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlocking %s: %w", o.name, err)
	}
	o.owned = false
	return nil
}

func (m *mutexHandle) Close() error {
	var err error
	m.once.Do(func() { err = m.obj.release() })
	return err
}

type eventHandle struct {
	obj  *object
	once sync.Once
}

func (e *eventHandle) Name() string { return e.obj.name }

func (e *eventHandle) Set() error {
	f, err := os.OpenFile(e.obj.base+".set", os.O_WRONLY|os.O_CREATE, 0o600) //nolint:gosec // name is escaped
	if err != nil {
		return fmt.Errorf("setting %s: %w", e.obj.name, err)
	}
	return f.Close()
}

func (e *eventHandle) Reset() error {
	if err := os.Remove(e.obj.base + ".set"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("resetting %s: %w", e.obj.name, err)
	}
	return nil
}

func (e *eventHandle) TryWait() (bool, error) {
	e.obj.native.mu.Lock()
	manual := e.obj.manualReset
	e.obj.native.mu.Unlock()

	if manual {
		switch _, err := os.Stat(e.obj.base + ".set"); {
		case err == nil:
			return true, nil
		case errors.Is(err, os.ErrNotExist):
			return false, nil
		default:
			return false, fmt.Errorf("waiting on %s: %w", e.obj.name, err)
		}
	}

	// Remove is atomic, so exactly one waiter consumes the signal.
	switch err := os.Remove(e.obj.base + ".set"); {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("waiting on %s: %w", e.obj.name, err)
	}
}

func (e *eventHandle) Close() error {
	var err error
	e.once.Do(func() { err = e.obj.release() })
	return err
}
