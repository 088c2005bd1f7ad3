package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// pipeDrainDelay bounds how long Wait keeps reading output after the
	// child exits, in case a grandchild still holds the pipes.
	pipeDrainDelay = 2 * time.Second

	// killWait bounds the wait for exit after a forced kill.
	killWait = 5 * time.Second
)

// ErrKillTimeout is returned when a process survives a forced kill.
var ErrKillTimeout = errors.New("process: did not exit after kill")

// Spec describes a process to spawn.
type Spec struct {
	// Name is used in log lines only.
	Name string

	Binary string
	Args   []string

	// Env holds extra KEY=value pairs added to the parent environment.
	Env []string

	// WorkDir defaults to the parent's working directory.
	WorkDir string
}

// Logger defines the logging interface used for lifecycle and output lines.
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

// Handle is a spawned OS process. It is safe for concurrent use.
type Handle struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	started time.Time
	logger  Logger

	done chan struct{}

	mu       sync.RWMutex
	exitErr  error
	exitCode int
}

// Start spawns the process described by spec. The child is not tied to any
// context: it lives until it exits or Stop is called.
func Start(spec Spec, logger Logger) (*Handle, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	cmd := exec.Command(spec.Binary, spec.Args...) //nolint:gosec // Binary comes from the operator's service registry
	cmd.SysProcAttr = sysProcAttr()
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Dir = spec.WorkDir
	cmd.Stdout = &lineLogger{logger: logger, name: spec.Name, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: logger, name: spec.Name, stream: "stderr"}
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	h := &Handle{
		spec:     spec,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		started:  time.Now(),
		logger:   logger,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go h.wait()

	logger.Info("process started", "name", spec.Name, "pid", h.pid)
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)

	h.logger.Info("process exited", "name", h.spec.Name, "pid", h.pid, "code", code, "error", err)
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.pid
}

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time {
	return h.started
}

// Done is closed once the OS process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the OS process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait; nil while running or after a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitErr
}

// ExitCode returns the exit status, or -1 while running or when killed by
// a signal.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Stop asks the process to terminate and kills it if it is still running
// after grace. Stopping an exited process is a no-op.
func (h *Handle) Stop(grace time.Duration) error {
	if h.Exited() {
		return nil
	}

	h.logger.Info("stopping process", "name", h.spec.Name, "pid", h.pid, "grace", grace)
	if err := terminate(h.cmd.Process); err != nil {
		h.logger.Warn("graceful termination request failed", "name", h.spec.Name, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.logger.Warn("graceful shutdown timeout, killing", "name", h.spec.Name, "pid", h.pid)
	}

	return h.Kill()
}

// Kill terminates the process immediately and waits for it to be reaped.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	if err := forceKill(h.cmd.Process); err != nil {
		return fmt.Errorf("killing %s: %w", h.spec.Name, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%w: %s pid %d", ErrKillTimeout, h.spec.Name, h.pid)
	}
}

// lineLogger turns child output into one debug log entry per line.
// exec.Cmd gives each stream its own copy goroutine, so no locking.
type lineLogger struct {
	logger Logger
	name   string
	stream string
	buf    []byte
}

const maxLineLength = 4096

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Debug("process output", "name", w.name, "stream", w.stream, "line", string(line))
}
