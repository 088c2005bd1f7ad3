package audit

import (
	"context"
	"time"

	"github.com/nerrad567/boardfleet/internal/supervisor"
)

// insertTimeout bounds one audit write on the supervisor's goroutine.
const insertTimeout = 2 * time.Second

// Logger is the logging surface of Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder is a supervisor.Observer that stores every transition.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder returns an observer writing to repo.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Observe implements supervisor.Observer. Write failures are logged.
func (r *Recorder) Observe(t supervisor.Transition) {
	e := &Event{
		ServiceID:  t.ServiceID,
		InstanceID: t.InstanceID,
		Action:     string(t.Action),
		Detail:     t.Detail,
	}
	if !t.At.IsZero() {
		e.CreatedAt = t.At.UTC().Format(time.RFC3339Nano)
	}
	if t.PID > 0 {
		pid := t.PID
		e.PID = &pid
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := r.repo.Insert(ctx, e); err != nil && r.logger != nil {
		r.logger.Warn("audit write failed", "service_id", t.ServiceID, "action", t.Action, "error", err)
	}
}
