// Package influxdb records boardfleet time-series metrics.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// Two measurements are written:
//   - service_lifecycle: one point per supervisor transition (start, stop,
//     crash, restart) tagged by service id
//   - device_progress: download and marking progress reported by a board host
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
//	client.WriteServiceLifecycle("dev_A", "restart", 4242, 1)
package influxdb
