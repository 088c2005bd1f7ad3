package rpc

import (
	"time"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
	"github.com/nerrad567/boardfleet/internal/infrastructure/mqtt"
)

// Publisher is the MQTT surface the event sink needs.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTSink republishes controller events on boardfleet/device/{id}/event.
// Publishing waits for the broker, so it belongs behind a host.AsyncSink.
type MQTTSink struct {
	pub       Publisher
	topic     string
	serviceID string
	logger    *logging.Logger
}

// NewMQTTSink returns a sink publishing events of serviceID.
func NewMQTTSink(pub Publisher, serviceID string, logger *logging.Logger) *MQTTSink {
	return &MQTTSink{
		pub:       pub,
		topic:     mqtt.Topics{}.DeviceEvent(serviceID),
		serviceID: serviceID,
		logger:    logger,
	}
}

// DeviceEventMessage is the MQTT payload of one event.
type DeviceEventMessage struct {
	ServiceID string            `json:"serviceId"`
	Event     string            `json:"event"`
	Message   string            `json:"message,omitempty"`
	Status    host.DeviceStatus `json:"status"`
	Timestamp string            `json:"timestamp"`
}

// Emit implements host.EventSink.
func (m *MQTTSink) Emit(e host.Event) {
	msg := DeviceEventMessage{
		ServiceID: m.serviceID,
		Event:     e.Type,
		Message:   e.Message,
		Status:    e.Status,
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
	}
	if err := m.pub.PublishJSON(m.topic, msg, false); err != nil {
		m.logger.Debug("device event not published", "event", e.Type, "error", err)
	}
}

// ProgressWriter is the metrics surface the progress sink needs.
type ProgressWriter interface {
	WriteDeviceProgress(serviceID, phase string, percent int)
}

// MetricsSink records download and mark progress.
type MetricsSink struct {
	w         ProgressWriter
	serviceID string
}

// NewMetricsSink returns a sink writing progress of serviceID.
func NewMetricsSink(w ProgressWriter, serviceID string) *MetricsSink {
	return &MetricsSink{w: w, serviceID: serviceID}
}

// Emit implements host.EventSink.
func (m *MetricsSink) Emit(e host.Event) {
	switch e.Type {
	case host.EventDownloadProgress, host.EventDownloadFinished:
		m.w.WriteDeviceProgress(m.serviceID, "download", e.Status.DownloadProgress)
	case host.EventMarkProgress, host.EventMarkFinished:
		m.w.WriteDeviceProgress(m.serviceID, "mark", e.Status.MarkProgress)
	}
}
