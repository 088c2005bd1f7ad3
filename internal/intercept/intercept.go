package intercept

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Name prefixes that select a kernel namespace and must stay in front.
const (
	globalPrefix = `Global\`
	localPrefix  = `Local\`
)

const canaryName = "boardfleet-intercept-canary"

var (
	// ErrHookInstallFailed means the entry table could not be hooked.
	// A host must not continue after seeing it.
	ErrHookInstallFailed = errors.New("intercept: hook install failed")

	// ErrAlreadyExists is returned alongside a valid object when a create
	// call opened an object that already existed.
	ErrAlreadyExists = errors.New("intercept: object already exists")

	// ErrNotExist is returned by the open calls for unknown names.
	ErrNotExist = errors.New("intercept: object does not exist")

	// ErrInvalidName is returned for names the native layer cannot map.
	ErrInvalidName = errors.New("intercept: invalid object name")
)

// Mutex is a named mutex handle. Ownership is per process: a process that
// owns the mutex may TryLock it again and succeed.
type Mutex interface {
	// Name is the name the object was created under, after any rewriting.
	Name() string
	TryLock() (bool, error)
	Unlock() error
	Close() error
}

// Event is a named event handle.
type Event interface {
	Name() string
	Set() error
	Reset() error
	// TryWait reports whether the event is signaled. An auto-reset event
	// is reset by a successful TryWait.
	TryWait() (bool, error)
	Close() error
}

// API is the set of entry points the SDK binding uses to create or open
// named synchronization objects. A create call on an existing name returns
// the object together with ErrAlreadyExists.
type API interface {
	CreateMutex(name string, initialOwner bool) (Mutex, error)
	OpenMutex(name string) (Mutex, error)
	CreateEvent(name string, manualReset, initialState bool) (Event, error)
	OpenEvent(name string) (Event, error)
}

// Options controls Install.
type Options struct {
	// Suffix overrides the generated namespace suffix.
	Suffix string
}

// State is the process-wide interception state.
type State struct {
	Installed bool   `json:"installed"`
	Suffix    string `json:"suffix"`
}

// Table is an entry table: the SDK binding calls through it, and Install
// replaces what it forwards to.
type Table struct {
	real    API
	current atomic.Pointer[API]
	used    atomic.Bool

	once       sync.Once
	state      atomic.Pointer[State]
	installErr error
}

// NewTable returns an unhooked table forwarding to real.
func NewTable(real API) *Table {
	t := &Table{real: real}
	var api API = real
	if real == nil {
		api = missingAPI{}
	}
	t.current.Store(&api)
	return t
}

// Entry is the process-wide table the SDK binding resolves its entry
// points from.
var Entry = NewTable(NewNative(DefaultDir()))

// Install hooks Entry. See Table.Install.
func Install(opts Options) (State, error) {
	return Entry.Install(opts)
}

// Active checks Entry. See Table.Active.
func Active() error {
	return Entry.Active()
}

// Install replaces every entry with a name-rewriting wrapper. It runs at
// most once; later calls return the outcome of the first.
func (t *Table) Install(opts Options) (State, error) {
	t.once.Do(func() {
		state, err := t.install(opts)
		if err != nil {
			t.installErr = err
			return
		}
		t.state.Store(&state)
	})
	return t.State(), t.installErr
}

func (t *Table) install(opts Options) (State, error) {
	if t.real == nil {
		return State{}, fmt.Errorf("%w: no native entry points", ErrHookInstallFailed)
	}
	if t.used.Load() {
		return State{}, fmt.Errorf("%w: too late, a named object was already requested", ErrHookInstallFailed)
	}

	suffix := opts.Suffix
	if suffix == "" {
		var err error
		if suffix, err = newSuffix(); err != nil {
			return State{}, fmt.Errorf("%w: %w", ErrHookInstallFailed, err)
		}
	}
	if strings.ContainsAny(suffix, `\/`) {
		return State{}, fmt.Errorf("%w: suffix %q contains a path separator", ErrHookInstallFailed, suffix)
	}

	var hooked API = &rewriter{next: t.real, suffix: suffix}
	t.current.Store(&hooked)
	return State{Installed: true, Suffix: suffix}, nil
}

// State returns the interception state.
func (t *Table) State() State {
	if s := t.state.Load(); s != nil {
		return *s
	}
	return State{}
}

// Active creates a canary mutex through the table and checks that the name
// reaching the native layer carries the suffix. The canary does not count
// as SDK use.
func (t *Table) Active() error {
	r, ok := (*t.current.Load()).(*rewriter)
	if !ok {
		return fmt.Errorf("%w: hook not installed", ErrHookInstallFailed)
	}

	canary, err := r.CreateMutex(canaryName, false)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("%w: canary: %w", ErrHookInstallFailed, err)
	}
	defer canary.Close()

	if want := rewrite(canaryName, r.suffix); canary.Name() != want {
		return fmt.Errorf("%w: canary resolved to %q, want %q", ErrHookInstallFailed, canary.Name(), want)
	}
	return nil
}

func (t *Table) api() API {
	t.used.Store(true)
	return *t.current.Load()
}

// CreateMutex implements API.
func (t *Table) CreateMutex(name string, initialOwner bool) (Mutex, error) {
	return t.api().CreateMutex(name, initialOwner)
}

// OpenMutex implements API.
func (t *Table) OpenMutex(name string) (Mutex, error) {
	return t.api().OpenMutex(name)
}

// CreateEvent implements API.
func (t *Table) CreateEvent(name string, manualReset, initialState bool) (Event, error) {
	return t.api().CreateEvent(name, manualReset, initialState)
}

// OpenEvent implements API.
func (t *Table) OpenEvent(name string) (Event, error) {
	return t.api().OpenEvent(name)
}

// rewriter is the hook: it renames and forwards.
type rewriter struct {
	next   API
	suffix string
}

func (r *rewriter) CreateMutex(name string, initialOwner bool) (Mutex, error) {
	return r.next.CreateMutex(rewrite(name, r.suffix), initialOwner)
}

func (r *rewriter) OpenMutex(name string) (Mutex, error) {
	return r.next.OpenMutex(rewrite(name, r.suffix))
}

func (r *rewriter) CreateEvent(name string, manualReset, initialState bool) (Event, error) {
	return r.next.CreateEvent(rewrite(name, r.suffix), manualReset, initialState)
}

func (r *rewriter) OpenEvent(name string) (Event, error) {
	return r.next.OpenEvent(rewrite(name, r.suffix))
}

var errNoNative = errors.New("intercept: no native entry points")

type missingAPI struct{}

func (missingAPI) CreateMutex(string, bool) (Mutex, error)       { return nil, errNoNative }
func (missingAPI) OpenMutex(string) (Mutex, error)               { return nil, errNoNative }
func (missingAPI) CreateEvent(string, bool, bool) (Event, error) { return nil, errNoNative }
func (missingAPI) OpenEvent(string) (Event, error)               { return nil, errNoNative }

// rewrite appends suffix to name, keeping a namespace prefix in front.
// Unnamed objects are already private and pass through.
func rewrite(name, suffix string) string {
	if name == "" {
		return name
	}
	for _, prefix := range []string{globalPrefix, localPrefix} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return prefix + rest + "_" + suffix
		}
	}
	return name + "_" + suffix
}

func newSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating suffix: %w", err)
	}
	return fmt.Sprintf("p%d-%s", os.Getpid(), hex.EncodeToString(b)), nil
}
