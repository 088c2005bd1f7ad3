// Package sdk is the boundary to the vendor board SDK.
//
// A host drives its board only through Board. The real SDK binding lives
// outside this module; Simulated behaves like it closely enough for
// development and tests, including its machine-wide singleton mutex.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// VendorMutexName is the named mutex the vendor SDK takes at
// initialization to keep a second instance from starting.
const VendorMutexName = `Global\BoardVendorSDK`

var (
	ErrSingletonHeld  = errors.New("sdk: another SDK instance holds the vendor mutex")
	ErrNotInitialized = errors.New("sdk: not initialized")
	ErrNotConnected   = errors.New("sdk: board not connected")
	ErrConnectionLost = errors.New("sdk: connection to board lost")
	ErrMarkStopped    = errors.New("sdk: mark stopped")
	ErrJobRunning     = errors.New("sdk: board is busy with another job")
	ErrNoJob          = errors.New("sdk: no job running")
	ErrInvalidConfig  = errors.New("sdk: invalid configuration")
)

// Config is the marking configuration pushed to a board.
type Config struct {
	Name string `json:"name"`

	// Power is the laser power in percent.
	Power int `json:"power"`

	// Speed is the galvo speed in mm/s.
	Speed int `json:"speed"`

	// Frequency is the pulse frequency in kHz.
	Frequency int `json:"frequency"`

	// Passes is how often each vector is repeated.
	Passes int `json:"passes"`
}

// Validate checks the configuration ranges the board accepts.
func (c Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "name is required")
	}
	if c.Power < 0 || c.Power > 100 {
		errs = append(errs, fmt.Sprintf("power %d out of range 0-100", c.Power))
	}
	if c.Speed <= 0 {
		errs = append(errs, "speed must be positive")
	}
	if c.Frequency <= 0 {
		errs = append(errs, "frequency must be positive")
	}
	if c.Passes < 1 {
		errs = append(errs, "passes must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// LinkEvent reports a change of the board connection that the host did not
// ask for.
type LinkEvent struct {
	Connected bool
	Err       error
}

// ProgressFunc receives job progress in percent.
type ProgressFunc func(percent int)

// DoneFunc is called once when a job ends. err is nil on completion.
type DoneFunc func(err error)

// Board is one vendor SDK instance driving one board. Long-running work
// (Download, StartMark) starts and returns at once; progress and completion
// arrive on the callbacks from an SDK goroutine.
//
// Board is not safe for concurrent use. Callbacks may run concurrently
// with method calls.
type Board interface {
	Init(ctx context.Context) error
	Close() error

	Connect(ctx context.Context, address string) error
	Disconnect() error

	LoadConfig(cfg Config) error
	Download(path string, progress ProgressFunc, done DoneFunc) error

	StartMark(progress ProgressFunc, done DoneFunc) error
	PauseMark() error
	ResumeMark() error
	StopMark() error

	// Index is the bus index of the connected board.
	Index() int

	// FixedIndex is the index fixed in the SDK's device table.
	FixedIndex() int

	Events() <-chan LinkEvent
}
