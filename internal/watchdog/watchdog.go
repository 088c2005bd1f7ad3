// Package watchdog ends a process that has lost the party responsible for
// its lifecycle.
//
// A board host holds exclusive access to its hardware. If the supervisor
// dies, the host must not keep that access forever, so it polls a set of
// checks and gives up as soon as one reports a lapse. The supervisor uses
// the same loop against its own marker process.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/process"
)

const (
	defaultInterval       = 3 * time.Second
	defaultMaxCheckErrors = 3
	checkTimeout          = 2 * time.Second
)

var (
	// ErrLapsed is wrapped by a check that has positively seen its
	// counterpart disappear.
	ErrLapsed = errors.New("watchdog: liveness lapsed")

	// ErrOrphaned is returned by Run when the process should terminate.
	ErrOrphaned = errors.New("watchdog: orphaned")
)

// Check is one liveness condition. Fn returns nil while healthy, an error
// wrapping ErrLapsed on a definite lapse, and any other error when it could
// not decide.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ProcessNameCheck lapses when no process called name is running.
func ProcessNameCheck(name string) Check {
	return processNameCheck(name, process.FindByName)
}

func processNameCheck(name string, find func(string) ([]int, error)) Check {
	return Check{
		Name: "process:" + name,
		Fn: func(context.Context) error {
			pids, err := find(name)
			if err != nil {
				return fmt.Errorf("listing processes: %w", err)
			}
			if len(pids) == 0 {
				return fmt.Errorf("%w: no process named %q", ErrLapsed, name)
			}
			return nil
		},
	}
}

// LeaseCheck lapses once l has expired.
func LeaseCheck(l *lease.Lease) Check {
	return Check{
		Name: "lease",
		Fn: func(context.Context) error {
			if err := l.Check(); err != nil {
				return fmt.Errorf("%w: %w", ErrLapsed, err)
			}
			return nil
		},
	}
}

// Logger defines the logging interface for the watchdog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Watchdog.
type Config struct {
	// Interval between check rounds. Default: 3s.
	Interval time.Duration

	// MaxCheckErrors is how many consecutive undecided rounds count as a
	// lapse. Default: 3.
	MaxCheckErrors int

	// OnLapse runs once, before Run returns ErrOrphaned.
	OnLapse func(reason error)
}

// Watchdog polls its checks until one lapses.
type Watchdog struct {
	cfg    Config
	checks []Check
	logger Logger

	mu     sync.Mutex
	lapsed error
}

// New creates a watchdog over checks.
func New(cfg Config, checks ...Check) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxCheckErrors <= 0 {
		cfg.MaxCheckErrors = defaultMaxCheckErrors
	}
	return &Watchdog{cfg: cfg, checks: checks, logger: noopLogger{}}
}

// SetLogger sets the logger for the watchdog.
func (w *Watchdog) SetLogger(logger Logger) {
	w.logger = logger
}

// Lapsed returns the lapse reason, or nil while healthy.
func (w *Watchdog) Lapsed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lapsed
}

// Run checks every interval until a check lapses, returning an error
// wrapping ErrOrphaned, or until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", "interval", w.cfg.Interval, "checks", len(w.checks))

	undecided := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		reason, err := w.round(ctx)
		switch {
		case reason != nil:
			return w.lapse(reason)
		case err != nil:
			undecided++
			w.logger.Warn("watchdog check failed", "error", err, "consecutive", undecided)
			if undecided >= w.cfg.MaxCheckErrors {
				return w.lapse(fmt.Errorf("%d consecutive check errors: %w", undecided, err))
			}
		default:
			undecided = 0
		}
	}
}

// round runs every check once. It returns the first lapse, or else the
// first undecided error.
func (w *Watchdog) round(ctx context.Context) (lapse error, undecided error) {
	for _, c := range w.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Fn(checkCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, ErrLapsed):
			return fmt.Errorf("%s: %w", c.Name, err), nil
		case undecided == nil:
			undecided = fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil, undecided
}

func (w *Watchdog) lapse(reason error) error {
	err := fmt.Errorf("%w: %w", ErrOrphaned, reason)

	w.mu.Lock()
	w.lapsed = err
	w.mu.Unlock()

	w.logger.Error("watchdog lapsed", "reason", reason)
	if w.cfg.OnLapse != nil {
		w.cfg.OnLapse(err)
	}
	return err
}
