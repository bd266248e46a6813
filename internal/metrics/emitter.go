package metrics

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Measurement and tag names written by the engine.
const (
	MeasurementDeviceData         = "device_data"
	MeasurementDeviceAvailability = "device_availability"

	FieldSentTimestamp     = "sent_timestamp"
	FieldReceivedTimestamp = "received_timestamp"
	FieldActive            = "active"
	FieldDurationMS        = "duration_ms"

	// Availability events.
	EventInactivityDuration = "inactivity_duration" // device became active
	EventActivityDuration   = "activity_duration"   // device became inactive
	EventConnectionError    = "connection_error"    // poll failed, flag unchanged

	DefaultSource      = "middts"
	DefaultEmitTimeout = time.Second
)

// ErrEmptyPoint is returned by Write for a point without renderable fields.
var ErrEmptyPoint = errors.New("metrics: point has no fields")

// Sink accepts formatted line-protocol lines.
type Sink interface {
	WriteLine(ctx context.Context, line string) error
}

// Logger is the logging surface used by the emitter.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Emitter ships samples to a sink without blocking callers.
//
// Thread Safety: safe for concurrent use.
type Emitter struct {
	sink    Sink
	source  string
	timeout time.Duration
	logger  Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// NewEmitter creates an emitter. A nil sink drops every sample.
func NewEmitter(sink Sink, source string, timeout time.Duration, logger Logger) *Emitter {
	if source == "" {
		source = DefaultSource
	}
	if timeout <= 0 || timeout > DefaultEmitTimeout {
		timeout = DefaultEmitTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Emitter{
		sink:    sink,
		source:  source,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Source returns the value of the source tag.
func (e *Emitter) Source() string {
	return e.source
}

// Now returns the current time in epoch milliseconds.
func (e *Emitter) Now() int64 {
	return e.now().UnixMilli()
}

// Emit formats a sample and writes it in the background.
// Failures are logged and never returned.
func (e *Emitter) Emit(measurement string, tags []Tag, fields []Field, timestamp int64) {
	if e == nil || e.sink == nil {
		return
	}
	p := Point{Measurement: measurement, Tags: tags, Fields: fields, Timestamp: timestamp}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.Write(ctx, p); err != nil {
			e.logger.Warn("metrics emit failed",
				"measurement", measurement,
				"error", err,
			)
		}
	}()
}

// Write formats p and writes it synchronously.
func (e *Emitter) Write(ctx context.Context, p Point) error {
	if e.sink == nil {
		return nil
	}
	line := FormatLine(p)
	if line == "" {
		return ErrEmptyPoint
	}
	return e.sink.WriteLine(ctx, line)
}

// Wait blocks until every in-flight Emit has finished.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// SentTimestamp records an outbound device-bound write.
func (e *Emitter) SentTimestamp(sensor, key string, value any) {
	now := e.Now()
	e.Emit(MeasurementDeviceData,
		[]Tag{{"sensor", sensor}, {"source", e.source}},
		[]Field{{key, numeric(value)}, {FieldSentTimestamp, now}},
		now)
}

// ReceivedTimestamp records inbound telemetry.
func (e *Emitter) ReceivedTimestamp(sensor, key string, value any) {
	now := e.Now()
	e.Emit(MeasurementDeviceData,
		[]Tag{{"sensor", sensor}, {"source", e.source}},
		[]Field{{key, numeric(value)}, {FieldReceivedTimestamp, now}},
		now)
}

// Availability records a liveness transition or a poll failure.
// duration is omitted when negative.
func (e *Emitter) Availability(sensor, event string, active bool, duration time.Duration) {
	fields := []Field{{FieldActive, active}}
	if duration >= 0 {
		fields = append(fields, Field{FieldDurationMS, duration.Milliseconds()})
	}
	e.Emit(MeasurementDeviceAvailability,
		[]Tag{{"sensor", sensor}, {"source", e.source}, {"event", event}},
		fields,
		e.Now())
}

// numeric keeps bools and numbers, dropping strings that would make the
// field type flip between samples.
func numeric(v any) any {
	switch v.(type) {
	case bool, int, int32, int64, float32, float64:
		return v
	default:
		return nil
	}
}
