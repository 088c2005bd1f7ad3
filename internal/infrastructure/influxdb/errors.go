package influxdb

import "errors"

// Sentinel errors for InfluxDB operations. Write errors surface
// asynchronously through SetOnError.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
)
