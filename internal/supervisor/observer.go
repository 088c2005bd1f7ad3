package supervisor

import (
	"time"

	"github.com/nerrad567/boardfleet/internal/infrastructure/mqtt"
)

// Action names one lifecycle transition.
type Action string

// Lifecycle actions reported to observers.
const (
	ActionStart       Action = "start"
	ActionStop        Action = "stop"
	ActionCrash       Action = "crash"
	ActionRestart     Action = "restart"
	ActionSpawnFailed Action = "spawn_failed"
)

// Transition is one lifecycle change of a service.
type Transition struct {
	ServiceID  string
	InstanceID string
	Action     Action
	PID        int
	Detail     string
	Snapshot   Snapshot
	At         time.Time
}

// Observer receives lifecycle transitions. Observe runs on the goroutine
// performing the operation, in order per service, so it must not block for
// long.
type Observer interface {
	Observe(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

// Observe calls f(t).
func (f ObserverFunc) Observe(t Transition) { f(t) }

// Publisher is the MQTT surface of StatusPublisher.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// StatusPublisher publishes the retained snapshot of a service on
// boardfleet/service/{id}/status after every transition.
type StatusPublisher struct {
	pub    Publisher
	logger Logger
}

// NewStatusPublisher returns an observer publishing through pub.
func NewStatusPublisher(pub Publisher, logger Logger) *StatusPublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &StatusPublisher{pub: pub, logger: logger}
}

// Observe implements Observer.
func (p *StatusPublisher) Observe(t Transition) {
	topic := mqtt.Topics{}.ServiceStatus(t.ServiceID)
	if err := p.pub.PublishJSON(topic, t.Snapshot, true); err != nil {
		p.logger.Debug("service status not published", "service_id", t.ServiceID, "error", err)
	}
}

// LifecycleWriter is the metrics surface of MetricsObserver.
type LifecycleWriter interface {
	WriteServiceLifecycle(serviceID, action string, pid, restartCount int)
}

// MetricsObserver writes one service_lifecycle point per transition.
type MetricsObserver struct {
	w LifecycleWriter
}

// NewMetricsObserver returns an observer writing to w.
func NewMetricsObserver(w LifecycleWriter) *MetricsObserver {
	return &MetricsObserver{w: w}
}

// Observe implements Observer.
func (m *MetricsObserver) Observe(t Transition) {
	m.w.WriteServiceLifecycle(t.ServiceID, string(t.Action), t.PID, t.Snapshot.RestartCount)
}
