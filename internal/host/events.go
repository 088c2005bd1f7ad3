package host

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types pushed to subscribers.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventStatusChanged    = "status_changed"
	EventDownloadProgress = "download_progress"
	EventDownloadFinished = "download_finished"
	EventMarkProgress     = "mark_progress"
	EventMarkFinished     = "mark_finished"
	EventError            = "error"
)

// Event is one notification from the controller.
type Event struct {
	Type    string       `json:"event"`
	Status  DeviceStatus `json:"payload"`
	Message string       `json:"message,omitempty"`
	Time    time.Time    `json:"time"`
}

// EventSink receives controller events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Emit implements EventSink.
func (f SinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// AsyncSink decouples the controller from slow subscribers. Events are
// queued and delivered in order to every sink by one goroutine; when the
// queue is full new events are dropped.
type AsyncSink struct {
	sinks   []EventSink
	queue   chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink starts delivering to sinks with room for buffer events.
func NewAsyncSink(buffer int, sinks ...EventSink) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	a := &AsyncSink{sinks: sinks, queue: make(chan Event, buffer), done: make(chan struct{})}
	go a.run()
	return a
}

// Emit implements EventSink.
func (a *AsyncSink) Emit(e Event) {
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full queue.
func (a *AsyncSink) Dropped() int64 {
	return a.dropped.Load()
}

// Close delivers what is queued and stops. Emit must not be called after Close.
func (a *AsyncSink) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for e := range a.queue {
		for _, s := range a.sinks {
			s.Emit(e)
		}
	}
}
