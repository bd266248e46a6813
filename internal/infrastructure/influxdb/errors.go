package influxdb

import "errors"

var (
	// ErrClosed is returned by a sink after Close.
	ErrClosed = errors.New("influxdb: sink closed")

	// ErrUnreachable is returned when the server does not answer a ping.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrWriteFailed wraps the batch failures delivered to OnError.
	ErrWriteFailed = errors.New("influxdb: batch write failed")

	// ErrEmptyLine is returned for a blank sample line.
	ErrEmptyLine = errors.New("influxdb: empty line")
)
