package metrics

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLine_DeviceData(t *testing.T) {
	line := FormatLine(Point{
		Measurement: "device_data",
		Tags:        []Tag{{"sensor", "d1"}, {"source", "middts"}},
		Fields:      []Field{{"status", true}, {"received_timestamp", 1000}},
		Timestamp:   1000,
	})
	assert.Equal(t, "device_data,sensor=d1,source=middts status=1.0,received_timestamp=1000.0 1000", line)
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		want string
	}{
		{
			name: "keeps tag and field order",
			p: Point{
				Measurement: "m",
				Tags:        []Tag{{"z", "1"}, {"a", "2"}},
				Fields:      []Field{{"y", 2.5}, {"b", false}},
				Timestamp:   7,
			},
			want: "m,z=1,a=2 y=2.5,b=0.0 7",
		},
		{
			name: "escapes tag values",
			p: Point{
				Measurement: "m",
				Tags:        []Tag{{"sensor", `living room,lamp=1\x`}},
				Fields:      []Field{{"v", int64(3)}},
				Timestamp:   1,
			},
			want: `m,sensor=living\ room\,lamp\=1\\x v=3.0 1`,
		},
		{
			name: "strips newlines",
			p: Point{
				Measurement: "m",
				Tags:        []Tag{{"sensor", "a\nb"}},
				Fields:      []Field{{"v", 1}},
				Timestamp:   1,
			},
			want: "m,sensor=ab v=1.0 1",
		},
		{
			name: "escapes measurement",
			p: Point{
				Measurement: "device data,x",
				Fields:      []Field{{"v", 1}},
				Timestamp:   1,
			},
			want: `device\ data\,x v=1.0 1`,
		},
		{
			name: "quotes strings and skips nil and NaN",
			p: Point{
				Measurement: "m",
				Fields:      []Field{{"s", `say "hi"`}, {"n", nil}, {"x", math.NaN()}},
				Timestamp:   1,
			},
			want: `m s="say \"hi\"" 1`,
		},
		{
			name: "skips empty tags",
			p: Point{
				Measurement: "m",
				Tags:        []Tag{{"sensor", ""}},
				Fields:      []Field{{"v", 0.25}},
				Timestamp:   1,
			},
			want: "m v=0.25 1",
		},
		{
			name: "no fields",
			p:    Point{Measurement: "m", Fields: []Field{{"n", nil}}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLine(tt.p))
		})
	}
}

func TestFormatFloat_NoExponent(t *testing.T) {
	assert.Equal(t, "1760000000000.0", formatFloat(1760000000000))
	assert.Equal(t, "-2.0", formatFloat(-2))
	assert.Equal(t, "0.001", formatFloat(0.001))
}

func TestEmitter_Emit(t *testing.T) {
	sink := &MemorySink{}
	e := NewEmitter(sink, "", 0, nil)

	e.Emit("device_data", []Tag{{"sensor", "d1"}, {"source", e.Source()}},
		[]Field{{"status", true}, {"received_timestamp", 1000}}, 1000)
	e.Wait()

	assert.Equal(t, []string{"device_data,sensor=d1,source=middts status=1.0,received_timestamp=1000.0 1000"}, sink.Lines())
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestEmitter_FailureIsLoggedOnly(t *testing.T) {
	sink := &MemorySink{}
	sink.FailWith(errors.New("sink down"))
	logger := &recordingLogger{}
	e := NewEmitter(sink, "middts", time.Second, logger)

	e.Emit("m", nil, []Field{{"v", 1}}, 1)
	e.Wait()

	assert.Empty(t, sink.Lines())
	assert.Len(t, logger.warns, 1)
}

type blockingSink struct{}

func (blockingSink) WriteLine(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEmitter_TimeoutBoundsSlowSink(t *testing.T) {
	e := NewEmitter(blockingSink{}, "middts", 300*time.Millisecond, nil)

	start := time.Now()
	e.Emit("m", nil, []Field{{"v", 1}}, 1)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Emit must not block")

	e.Wait()
	assert.Less(t, time.Since(start), time.Second)
}

func TestEmitter_NilSinkDrops(t *testing.T) {
	e := NewEmitter(nil, "middts", 0, nil)
	e.Emit("m", nil, []Field{{"v", 1}}, 1)
	e.Wait()
	require.NoError(t, e.Write(context.Background(), Point{Measurement: "m"}))
}

func TestEmitter_Helpers(t *testing.T) {
	sink := &MemorySink{}
	e := NewEmitter(sink, "middts", 0, nil)
	e.now = func() time.Time { return time.UnixMilli(5000) }

	e.SentTimestamp("lamp", "status", true)
	e.ReceivedTimestamp("lamp", "temperature", 21.5)
	e.Availability("lamp", EventInactivityDuration, true, 12*time.Second)
	e.Availability("lamp", EventConnectionError, false, -1)
	e.Wait()

	assert.ElementsMatch(t, []string{
		"device_data,sensor=lamp,source=middts status=1.0,sent_timestamp=5000.0 5000",
		"device_data,sensor=lamp,source=middts temperature=21.5,received_timestamp=5000.0 5000",
		"device_availability,sensor=lamp,source=middts,event=inactivity_duration active=1.0,duration_ms=12000.0 5000",
		"device_availability,sensor=lamp,source=middts,event=connection_error active=0.0 5000",
	}, sink.Lines())

	assert.Len(t, sink.Matching("event=inactivity_duration"), 1)
}

func TestEmitter_WriteEmptyPoint(t *testing.T) {
	e := NewEmitter(&MemorySink{}, "", 0, nil)
	assert.ErrorIs(t, e.Write(context.Background(), Point{Measurement: "m"}), ErrEmptyPoint)
}
