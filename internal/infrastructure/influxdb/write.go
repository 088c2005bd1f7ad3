package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementServiceLifecycle = "service_lifecycle"
	MeasurementDeviceProgress   = "device_progress"
)

// WriteServiceLifecycle records one supervisor transition for a service.
// pid is 0 when no process is involved (a stop of a stopped service).
func (c *Client) WriteServiceLifecycle(serviceID, action string, pid, restartCount int) {
	c.WritePoint(MeasurementServiceLifecycle,
		map[string]string{
			"service_id": serviceID,
			"action":     action,
		},
		map[string]any{
			"pid":           pid,
			"restart_count": restartCount,
		})
}

// WriteDeviceProgress records download or marking progress for a board.
// phase is "download" or "mark"; percent is 0 to 100.
func (c *Client) WriteDeviceProgress(serviceID, phase string, percent int) {
	c.WritePoint(MeasurementDeviceProgress,
		map[string]string{
			"service_id": serviceID,
			"phase":      phase,
		},
		map[string]any{
			"percent": percent,
		})
}

// WritePoint writes a point stamped now. Dropped while disconnected.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
