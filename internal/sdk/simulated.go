package sdk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/boardfleet/internal/intercept"
)

const (
	defaultStepInterval = 100 * time.Millisecond
	defaultStepPercent  = 10
)

// SimConfig configures a Simulated board.
type SimConfig struct {
	// Sync is where the SDK creates its named objects. Default: intercept.Entry.
	Sync intercept.API

	// StepInterval and StepPercent set how fast jobs progress.
	StepInterval time.Duration
	StepPercent  int

	// CallLatency is added to every call, to make overlapping calls visible.
	CallLatency time.Duration

	Index      int
	FixedIndex int
}

// Simulated is an in-process stand-in for the vendor SDK. It takes the
// vendor singleton mutex at Init exactly like the real SDK, and records
// overlapping calls as violations of its single-caller contract.
type Simulated struct {
	cfg SimConfig

	inFlight   atomic.Int32
	violations atomic.Int32

	mu        sync.Mutex
	mutex     intercept.Mutex
	connected bool
	address   string
	config    *Config
	job       *simJob

	events chan LinkEvent
}

type simJob struct {
	kind     string
	percent  int
	paused   bool
	cancel   chan error
	progress ProgressFunc
	done     DoneFunc
}

var _ Board = (*Simulated)(nil)

// NewSimulated returns an uninitialized simulated board.
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.Sync == nil {
		cfg.Sync = intercept.Entry
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = defaultStepInterval
	}
	if cfg.StepPercent <= 0 {
		cfg.StepPercent = defaultStepPercent
	}
	return &Simulated{cfg: cfg, events: make(chan LinkEvent, 4)}
}

// enter marks a call in flight. A second caller inside the SDK at the same
// time is a violation.
func (s *Simulated) enter() func() {
	if s.inFlight.Add(1) > 1 {
		s.violations.Add(1)
	}
	if s.cfg.CallLatency > 0 {
		time.Sleep(s.cfg.CallLatency)
	}
	return func() { s.inFlight.Add(-1) }
}

// Violations returns how many calls overlapped another call.
func (s *Simulated) Violations() int {
	return int(s.violations.Load())
}

// MutexName returns the name the vendor mutex was created under, or "" before Init.
func (s *Simulated) MutexName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutex == nil {
		return ""
	}
	return s.mutex.Name()
}

// Init takes the vendor singleton mutex.
func (s *Simulated) Init(ctx context.Context) error {
	defer s.enter()()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutex != nil {
		return nil
	}

	m, err := s.cfg.Sync.CreateMutex(VendorMutexName, true)
	if errors.Is(err, intercept.ErrAlreadyExists) {
		m.Close()
		return ErrSingletonHeld
	}
	if err != nil {
		return fmt.Errorf("sdk: creating vendor mutex: %w", err)
	}
	if ok, err := m.TryLock(); err != nil || !ok {
		m.Close()
		return ErrSingletonHeld
	}
	s.mutex = m
	return nil
}

// Close ends any job and releases the vendor mutex.
func (s *Simulated) Close() error {
	defer s.enter()()
	s.mu.Lock()
	job := s.job
	s.job = nil
	s.connected = false
	m := s.mutex
	s.mutex = nil
	s.mu.Unlock()

	endJob(job, ErrConnectionLost)
	if m == nil {
		return nil
	}
	return m.Close()
}

// Connect opens the link to the board at address.
func (s *Simulated) Connect(ctx context.Context, address string) error {
	defer s.enter()()
	if address == "" {
		return fmt.Errorf("sdk: empty board address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutex == nil {
		return ErrNotInitialized
	}
	s.connected = true
	s.address = address
	// The board forgets its configuration across a reconnect.
	s.config = nil
	return nil
}

// Disconnect closes the link and aborts any job.
func (s *Simulated) Disconnect() error {
	defer s.enter()()
	s.mu.Lock()
	job := s.job
	s.job = nil
	s.connected = false
	s.mu.Unlock()

	endJob(job, ErrConnectionLost)
	return nil
}

// DropConnection simulates the board going away without the host asking.
func (s *Simulated) DropConnection() {
	s.mu.Lock()
	wasConnected := s.connected
	job := s.job
	s.job = nil
	s.connected = false
	s.mu.Unlock()

	endJob(job, ErrConnectionLost)
	if wasConnected {
		select {
		case s.events <- LinkEvent{Connected: false, Err: ErrConnectionLost}:
		default:
		}
	}
}

// LoadConfig pushes cfg to the board.
func (s *Simulated) LoadConfig(cfg Config) error {
	defer s.enter()()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.config = &cfg
	return nil
}

// Download transfers the file at path to the board.
func (s *Simulated) Download(path string, progress ProgressFunc, done DoneFunc) error {
	defer s.enter()()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("sdk: download source: %w", err)
	}
	return s.startJob("download", progress, done)
}

// StartMark starts marking with the loaded configuration.
func (s *Simulated) StartMark(progress ProgressFunc, done DoneFunc) error {
	defer s.enter()()
	s.mu.Lock()
	loaded := s.config != nil
	s.mu.Unlock()
	if !loaded {
		return fmt.Errorf("%w: no configuration loaded", ErrInvalidConfig)
	}
	return s.startJob("mark", progress, done)
}

// PauseMark holds the running mark.
func (s *Simulated) PauseMark() error {
	defer s.enter()()
	return s.setPaused(true)
}

// ResumeMark continues a paused mark.
func (s *Simulated) ResumeMark() error {
	defer s.enter()()
	return s.setPaused(false)
}

// StopMark aborts the running mark. Its done callback gets ErrMarkStopped.
func (s *Simulated) StopMark() error {
	defer s.enter()()
	s.mu.Lock()
	job := s.job
	if job == nil || job.kind != "mark" {
		s.mu.Unlock()
		return ErrNoJob
	}
	s.job = nil
	s.mu.Unlock()

	endJob(job, ErrMarkStopped)
	return nil
}

// Index implements Board.
func (s *Simulated) Index() int {
	return s.cfg.Index
}

// FixedIndex implements Board.
func (s *Simulated) FixedIndex() int {
	return s.cfg.FixedIndex
}

// Events implements Board.
func (s *Simulated) Events() <-chan LinkEvent {
	return s.events
}

func (s *Simulated) setPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.kind != "mark" {
		return ErrNoJob
	}
	s.job.paused = paused
	return nil
}

func (s *Simulated) startJob(kind string, progress ProgressFunc, done DoneFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.job != nil {
		return ErrJobRunning
	}

	job := &simJob{kind: kind, cancel: make(chan error, 1), progress: progress, done: done}
	s.job = job
	go s.runJob(job)
	return nil
}

// runJob advances job one step per tick until it completes or is ended.
func (s *Simulated) runJob(job *simJob) {
	ticker := time.NewTicker(s.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-job.cancel:
			if job.done != nil {
				job.done(err)
			}
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.job != job {
			// Ended; the cancel channel carries the reason.
			s.mu.Unlock()
			continue
		}
		if job.paused {
			s.mu.Unlock()
			continue
		}
		job.percent = min(job.percent+s.cfg.StepPercent, 100)
		percent := job.percent
		finished := percent == 100
		if finished {
			s.job = nil
		}
		s.mu.Unlock()

		if job.progress != nil {
			job.progress(percent)
		}
		if finished {
			if job.done != nil {
				job.done(nil)
			}
			return
		}
	}
}

// endJob hands err to a job already removed from s.job.
func endJob(job *simJob, err error) {
	if job == nil {
		return
	}
	job.cancel <- err
}
