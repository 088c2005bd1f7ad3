// Package host drives one board through the vendor SDK.
//
// The Controller owns the SDK handle and the DeviceStatus. Commands that
// reach the SDK take an exclusive section with TryLock, so a concurrent
// caller gets ErrBusy instead of interleaving SDK calls. Downloads and
// marks run on the SDK's own goroutine and report through callbacks;
// queries read the status under a short read lock and never wait for a
// command.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/sdk"
)

const defaultReconnectInterval = 2 * time.Second

// Logger defines the logging interface for the controller.
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

// Options configures a Controller.
type Options struct {
	// Address is the board address handed to the SDK on connect.
	Address string

	// ReconnectInterval is how often Run retries a lost link. Default: 2s.
	ReconnectInterval time.Duration

	// Sink receives events. It must not block; wrap slow sinks in AsyncSink.
	Sink EventSink

	// Lease, when set, is renewed by RenewLease.
	Lease *lease.Lease
}

type jobKind int

const (
	jobNone jobKind = iota
	jobDownload
	jobMark
)

// Controller is the per-board command and status owner.
type Controller struct {
	board  sdk.Board
	opts   Options
	logger Logger

	// cmdMu is held for the duration of every SDK call.
	cmdMu sync.Mutex

	mu          sync.RWMutex
	status      DeviceStatus
	sdkReady    bool
	config      *sdk.Config
	autoConnect bool
	boardIndex  int
	fixedIndex  int
	job         jobKind
	// jobGen identifies the current job; callbacks of older jobs are ignored.
	jobGen uint64
}

// New creates a controller for board. Init must be called before commands.
func New(board sdk.Board, opts Options) *Controller {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	return &Controller{
		board:       board,
		opts:        opts,
		logger:      noopLogger{},
		status:      defaultStatus(),
		autoConnect: true,
		boardIndex:  -1,
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// acquire takes the SDK section without waiting.
func (c *Controller) acquire() (func(), error) {
	if !c.cmdMu.TryLock() {
		return nil, ErrBusy
	}
	return c.cmdMu.Unlock, nil
}

// update runs fn under the status lock and emits the event fn names, if any.
func (c *Controller) update(fn func() (event, message string)) {
	c.mu.Lock()
	event, message := fn()
	status := c.status
	c.mu.Unlock()

	if event != "" {
		c.opts.Sink.Emit(Event{Type: event, Status: status, Message: message, Time: time.Now()})
	}
}

// setState must be called with c.mu held.
func (c *Controller) setState(s State) {
	c.status.WorkingStatus = s
	c.status.IsConnected = s.linked()
	c.status.IsMarking = s == StateMarking || s == StatePaused
}

func (c *Controller) recordError(err error) {
	c.logger.Warn("board command failed", "error", err)
	c.update(func() (string, string) {
		c.status.LastError = err.Error()
		return EventError, err.Error()
	})
}

// require checks readiness from the system down to the device.
func (c *Controller) require(needConfig bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case !c.sdkReady:
		return ErrSDKNotInitialized
	case !c.status.WorkingStatus.linked():
		return ErrNotConnected
	case needConfig && c.config == nil:
		return ErrConfigNotLoaded
	}
	return nil
}

// Init initializes the SDK. It waits for any command in progress.
func (c *Controller) Init(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.IsSdkInitialized() {
		return nil
	}
	if err := c.board.Init(ctx); err != nil {
		c.recordError(err)
		return fmt.Errorf("initializing sdk: %w", err)
	}

	fixed := c.board.FixedIndex()
	c.update(func() (string, string) {
		c.sdkReady = true
		c.fixedIndex = fixed
		return EventStatusChanged, ""
	})
	c.logger.Info("sdk initialized", "fixed_index", fixed)
	return nil
}

// Run keeps the board connected until ctx is cancelled, then disconnects
// and closes the SDK.
func (c *Controller) Run(ctx context.Context) error {
	if !c.IsSdkInitialized() {
		return ErrSDKNotInitialized
	}

	ticker := time.NewTicker(c.opts.ReconnectInterval)
	defer ticker.Stop()

	c.reconnect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.board.Events():
			if !ev.Connected {
				c.linkLost(ev.Err)
			}
		case <-ticker.C:
			c.reconnect(ctx)
		}
	}
}

func (c *Controller) reconnect(ctx context.Context) {
	c.mu.RLock()
	want := c.autoConnect && c.status.WorkingStatus == StateDisconnected
	c.mu.RUnlock()
	if !want {
		return
	}

	if err := c.connect(ctx, false); err != nil && !errors.Is(err, ErrBusy) {
		c.logger.Debug("reconnect failed", "address", c.opts.Address, "error", err)
	}
}

func (c *Controller) shutdown() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.board.Disconnect(); err != nil {
		c.logger.Warn("disconnect on shutdown failed", "error", err)
	}
	if err := c.board.Close(); err != nil {
		c.logger.Warn("closing sdk failed", "error", err)
	}
	c.update(func() (string, string) {
		c.sdkReady = false
		c.job = jobNone
		c.jobGen++
		c.setState(StateDisconnected)
		return EventDisconnected, "shutdown"
	})
}

func (c *Controller) linkLost(err error) {
	c.update(func() (string, string) {
		if !c.status.WorkingStatus.linked() {
			return "", ""
		}
		c.job = jobNone
		c.jobGen++
		c.setState(StateDisconnected)
		msg := "connection lost"
		if err != nil {
			msg = err.Error()
			c.status.LastError = msg
		}
		return EventDisconnected, msg
	})
	c.logger.Warn("board connection lost", "address", c.opts.Address, "error", err)
}

// Connect opens the board link and re-enables automatic reconnects.
func (c *Controller) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Controller) connect(ctx context.Context, explicit bool) error {
	if !c.IsSdkInitialized() {
		return ErrSDKNotInitialized
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	if explicit {
		c.autoConnect = true
	}
	linked := c.status.WorkingStatus.linked()
	c.mu.Unlock()
	if linked {
		return nil
	}

	c.update(func() (string, string) {
		c.setState(StateConnecting)
		return EventStatusChanged, ""
	})

	if err := c.board.Connect(ctx, c.opts.Address); err != nil {
		c.update(func() (string, string) {
			c.setState(StateDisconnected)
			c.status.LastError = err.Error()
			return EventError, err.Error()
		})
		return fmt.Errorf("connecting to %s: %w", c.opts.Address, err)
	}

	index := c.board.Index()
	var cfg *sdk.Config
	c.update(func() (string, string) {
		c.boardIndex = index
		c.setState(StateConnected)
		cfg = c.config
		return EventConnected, ""
	})
	c.logger.Info("board connected", "address", c.opts.Address, "index", index)

	if cfg == nil {
		return nil
	}
	// The board forgets its configuration over a reconnect.
	if err := c.board.LoadConfig(*cfg); err != nil {
		c.recordError(fmt.Errorf("reapplying configuration: %w", err))
		return nil
	}
	c.update(func() (string, string) {
		if c.status.WorkingStatus != StateConnected {
			return "", ""
		}
		c.setState(StateIdle)
		return EventStatusChanged, ""
	})
	return nil
}

// Disconnect closes the board link and stops automatic reconnects.
func (c *Controller) Disconnect() error {
	if !c.IsSdkInitialized() {
		return ErrSDKNotInitialized
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	c.autoConnect = false
	linked := c.status.WorkingStatus.linked()
	c.mu.Unlock()
	if !linked {
		return nil
	}

	if err := c.board.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	c.update(func() (string, string) {
		c.job = jobNone
		c.jobGen++
		c.setState(StateDisconnected)
		return EventDisconnected, "requested"
	})
	return nil
}

// LoadConfiguration validates cfg and pushes it to the board. Without a
// link the configuration is kept and applied on the next connect.
func (c *Controller) LoadConfiguration(cfg sdk.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !c.IsSdkInitialized() {
		return ErrSDKNotInitialized
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	state := c.GetStatus().WorkingStatus
	if state == StateMarking || state == StatePaused {
		return fmt.Errorf("%w: cannot reconfigure while %s", ErrInvalidTransition, state)
	}

	if state.linked() {
		if err := c.board.LoadConfig(cfg); err != nil {
			c.recordError(err)
			return fmt.Errorf("loading configuration: %w", err)
		}
	}

	c.update(func() (string, string) {
		c.config = &cfg
		if c.status.WorkingStatus.linked() {
			c.setState(StateIdle)
		}
		return EventStatusChanged, ""
	})
	c.logger.Info("configuration loaded", "name", cfg.Name)
	return nil
}

// IsConfigurationLoaded reports whether a configuration has been accepted.
func (c *Controller) IsConfigurationLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config != nil
}

// GetConfiguration returns the loaded configuration, or nil.
func (c *Controller) GetConfiguration() *sdk.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return nil
	}
	cfg := *c.config
	return &cfg
}

// GetHostAddress returns the board address this host drives.
func (c *Controller) GetHostAddress() string {
	return c.opts.Address
}

// GetFixedIndex returns the SDK's fixed device index.
func (c *Controller) GetFixedIndex() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sdkReady {
		return 0, ErrSDKNotInitialized
	}
	return c.fixedIndex, nil
}

// GetBoardIndex returns the bus index of the connected board.
func (c *Controller) GetBoardIndex() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case !c.sdkReady:
		return 0, ErrSDKNotInitialized
	case !c.status.WorkingStatus.linked():
		return 0, ErrNotConnected
	}
	return c.boardIndex, nil
}

// IsSdkInitialized reports whether Init succeeded.
func (c *Controller) IsSdkInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sdkReady
}

// GetDownloadProgress returns the current download progress in percent.
func (c *Controller) GetDownloadProgress() int {
	return c.GetStatus().DownloadProgress
}

// GetMarkingProgress returns the current mark progress in percent.
func (c *Controller) GetMarkingProgress() int {
	return c.GetStatus().MarkProgress
}

// IsConnected reports whether the board link is up.
func (c *Controller) IsConnected() bool {
	return c.GetStatus().IsConnected
}

// IsDownloadFinished reports whether the last download completed.
func (c *Controller) IsDownloadFinished() bool {
	return c.GetStatus().IsDownloadFinish
}

// GetStatus returns a copy of the device status.
func (c *Controller) GetStatus() DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// DownloadFile starts transferring the file at path to the board and
// returns as soon as the transfer is under way. Completion is reported
// by IsDownloadFinished and the download_finished event.
func (c *Controller) DownloadFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	if err := c.require(false); err != nil {
		return false, err
	}
	release, err := c.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	var gen uint64
	busy := false
	c.update(func() (string, string) {
		if c.job != jobNone {
			busy = true
			return "", ""
		}
		gen = c.startJob(jobDownload)
		c.status.DownloadProgress = 0
		c.status.IsDownloadFinish = false
		return EventStatusChanged, ""
	})
	if busy {
		return false, ErrBusy
	}

	if err := c.board.Download(path, c.onDownloadProgress(gen), c.onDownloadDone(gen)); err != nil {
		c.update(func() (string, string) {
			c.endJob(gen)
			c.status.LastError = err.Error()
			return EventError, err.Error()
		})
		return false, fmt.Errorf("starting download: %w", err)
	}
	c.logger.Info("download started", "path", path)
	return true, nil
}

// StartMark starts a mark, or resumes a paused one.
func (c *Controller) StartMark() error {
	if err := c.require(true); err != nil {
		return err
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	c.mu.RLock()
	state, job := c.status.WorkingStatus, c.job
	c.mu.RUnlock()

	switch {
	case job == jobDownload:
		return ErrBusy
	case state == StatePaused:
		if err := c.board.ResumeMark(); err != nil {
			return fmt.Errorf("resuming mark: %w", err)
		}
		c.update(func() (string, string) {
			c.setState(StateMarking)
			return EventStatusChanged, ""
		})
		return nil
	case state != StateIdle && state != StateMarkComplete:
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, state)
	}

	var gen uint64
	c.update(func() (string, string) {
		gen = c.startJob(jobMark)
		c.status.MarkProgress = 0
		c.status.IsMarkFinish = false
		c.setState(StateMarking)
		return EventStatusChanged, ""
	})

	if err := c.board.StartMark(c.onMarkProgress(gen), c.onMarkDone(gen)); err != nil {
		c.update(func() (string, string) {
			if c.endJob(gen) {
				c.setState(StateIdle)
			}
			c.status.LastError = err.Error()
			return EventError, err.Error()
		})
		return fmt.Errorf("starting mark: %w", err)
	}
	c.logger.Info("mark started")
	return nil
}

// PauseMark holds the running mark.
func (c *Controller) PauseMark() error {
	if err := c.require(false); err != nil {
		return err
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	if state := c.GetStatus().WorkingStatus; state != StateMarking {
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, state)
	}
	if err := c.board.PauseMark(); err != nil {
		return fmt.Errorf("pausing mark: %w", err)
	}
	c.update(func() (string, string) {
		if c.status.WorkingStatus != StateMarking {
			return "", ""
		}
		c.setState(StatePaused)
		return EventStatusChanged, ""
	})
	return nil
}

// StopMark aborts a running or paused mark. Without one it does nothing.
func (c *Controller) StopMark() error {
	if err := c.require(false); err != nil {
		return err
	}
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	if state := c.GetStatus().WorkingStatus; state != StateMarking && state != StatePaused {
		return nil
	}
	if err := c.board.StopMark(); err != nil && !errors.Is(err, sdk.ErrNoJob) {
		return fmt.Errorf("stopping mark: %w", err)
	}
	c.update(func() (string, string) {
		if c.job != jobMark {
			// Finished on its own before the stop landed.
			return "", ""
		}
		c.endJob(c.jobGen)
		c.setState(StateIdle)
		return EventStatusChanged, "stopped"
	})
	return nil
}

// RenewLease extends the host's liveness lease with a supervisor token.
func (c *Controller) RenewLease(token string) (time.Time, error) {
	if c.opts.Lease == nil {
		return time.Time{}, ErrLeaseDisabled
	}
	return c.opts.Lease.Renew(token)
}

// startJob must be called with c.mu held.
func (c *Controller) startJob(kind jobKind) uint64 {
	c.jobGen++
	c.job = kind
	return c.jobGen
}

// endJob clears the job if gen is still current. c.mu must be held.
func (c *Controller) endJob(gen uint64) bool {
	if gen != c.jobGen || c.job == jobNone {
		return false
	}
	c.job = jobNone
	c.jobGen++
	return true
}

func (c *Controller) onDownloadProgress(gen uint64) sdk.ProgressFunc {
	return func(percent int) {
		c.update(func() (string, string) {
			if gen != c.jobGen {
				return "", ""
			}
			c.status.DownloadProgress = percent
			return EventDownloadProgress, ""
		})
	}
}

func (c *Controller) onDownloadDone(gen uint64) sdk.DoneFunc {
	return func(err error) {
		c.update(func() (string, string) {
			if !c.endJob(gen) {
				return "", ""
			}
			if err != nil {
				c.status.LastError = err.Error()
				return EventError, err.Error()
			}
			c.status.DownloadProgress = 100
			c.status.IsDownloadFinish = true
			return EventDownloadFinished, ""
		})
	}
}

func (c *Controller) onMarkProgress(gen uint64) sdk.ProgressFunc {
	return func(percent int) {
		c.update(func() (string, string) {
			if gen != c.jobGen {
				return "", ""
			}
			c.status.MarkProgress = percent
			return EventMarkProgress, ""
		})
	}
}

func (c *Controller) onMarkDone(gen uint64) sdk.DoneFunc {
	return func(err error) {
		c.update(func() (string, string) {
			if !c.endJob(gen) {
				return "", ""
			}
			switch {
			case err == nil:
				c.status.MarkProgress = 100
				c.status.IsMarkFinish = true
				c.setState(StateMarkComplete)
				return EventMarkFinished, ""
			case errors.Is(err, sdk.ErrConnectionLost):
				// The link event moves the state.
				return "", ""
			default:
				c.status.LastError = err.Error()
				c.setState(StateIdle)
				return EventError, err.Error()
			}
		})
	}
}
