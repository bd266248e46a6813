package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/metrics"
	"github.com/middts/middts-core/internal/twin"
)

// fakeReader answers attribute reads from a table and tracks concurrency.
type fakeReader struct {
	mu     sync.Mutex
	attrs  map[string]gateway.Attributes
	errs   map[string]error
	delay  time.Duration
	calls  int
	inUse  atomic.Int32
	maxUse atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{attrs: make(map[string]gateway.Attributes), errs: make(map[string]error)}
}

func (r *fakeReader) set(identifier string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attrs[identifier] = gateway.Attributes{{Key: gateway.AttrActive, Value: json.RawMessage(strconv.FormatBool(active))}}
	delete(r.errs, identifier)
}

func (r *fakeReader) fail(identifier string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[identifier] = err
}

func (r *fakeReader) ReadAttributes(ctx context.Context, target gateway.Target) (gateway.Attributes, error) {
	n := r.inUse.Add(1)
	defer r.inUse.Add(-1)
	for {
		cur := r.maxUse.Load()
		if n <= cur || r.maxUse.CompareAndSwap(cur, n) {
			break
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err, ok := r.errs[target.DeviceID]; ok {
		return nil, err
	}
	return r.attrs[target.DeviceID], nil
}

// duplicatingStore lists every device twice.
type duplicatingStore struct {
	*twin.MemoryStore
}

func (s duplicatingStore) ListDevices(ctx context.Context) ([]twin.Device, error) {
	devices, err := s.MemoryStore.ListDevices(ctx)
	return append(devices, devices...), err
}

type harness struct {
	store  *twin.MemoryStore
	reader *fakeReader
	sink   *metrics.MemorySink
	emit   *metrics.Emitter
	lamp   twin.Device
	inst   twin.Instance
	now    time.Time
}

func newHarness(t *testing.T, lastTransition time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:  twin.NewMemoryStore(),
		reader: newFakeReader(),
		sink:   &metrics.MemorySink{},
		now:    time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	h.emit = metrics.NewEmitter(h.sink, "middts", time.Second, nil)

	gw := twin.Gateway{Name: "tb", URL: "http://tb.local"}
	require.NoError(t, h.store.CreateGateway(ctx, &gw))
	since := h.now.Add(-lastTransition)
	h.lamp = twin.Device{Name: "lamp", Identifier: "dev-lamp", GatewayID: gw.ID, LastTransitionAt: &since}
	require.NoError(t, h.store.CreateDevice(ctx, &h.lamp))
	dp := twin.DeviceProperty{DeviceID: h.lamp.ID, Name: "status", Type: twin.Boolean}
	require.NoError(t, h.store.CreateDeviceProperty(ctx, &dp))
	h.inst = twin.Instance{ModelName: "Lamp"}
	require.NoError(t, h.store.CreateInstance(ctx, &h.inst))
	p := twin.Property{InstanceID: h.inst.ID, ElementID: "on", Name: "on", Type: twin.Boolean, Causal: true, DevicePropertyID: &dp.ID}
	require.NoError(t, h.store.CreateProperty(ctx, &p))
	return h
}

func (h *harness) monitor(store Store, cfg Config) *Monitor {
	m := New(store, h.reader, h.emit, cfg, nil)
	m.now = func() time.Time { return h.now }
	return m
}

func TestPollOnce_InactiveToActiveAfter12s(t *testing.T) {
	h := newHarness(t, 12*time.Second)
	h.reader.set("dev-lamp", true)
	m := h.monitor(duplicatingStore{h.store}, Config{})

	sum, err := m.PollOnce(context.Background())
	require.NoError(t, err)
	h.emit.Wait()

	assert.Equal(t, Summary{Polled: 1, Transitions: 1}, sum)
	assert.Equal(t, 1, h.store.WriteCount("device", h.lamp.ID), "flag written exactly once")

	events := h.sink.Matching("device_availability", "event=inactivity_duration")
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "sensor=dev-lamp")
	assert.Contains(t, events[0], "active=1.0")
	assert.Contains(t, events[0], "duration_ms=12000.0")
	assert.Len(t, h.sink.Lines(), 1)

	d, err := h.store.Device(context.Background(), h.lamp.ID)
	require.NoError(t, err)
	assert.True(t, d.Active)

	inst, err := h.store.Instance(context.Background(), h.inst.ID)
	require.NoError(t, err)
	assert.True(t, inst.Active)
	require.NotNil(t, inst.LastStatusCheck)

	// A second cycle in the same state emits nothing and writes nothing.
	_, err = m.PollOnce(context.Background())
	require.NoError(t, err)
	h.emit.Wait()
	assert.Len(t, h.sink.Lines(), 1)
	assert.Equal(t, 1, h.store.WriteCount("device", h.lamp.ID))
}

func TestPollOnce_ActiveToInactive(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.store.SetDeviceActive(ctx, h.lamp.ID, true, h.now.Add(-3*time.Second)))
	h.reader.set("dev-lamp", false)
	m := h.monitor(h.store, Config{})

	sum, err := m.PollOnce(ctx)
	require.NoError(t, err)
	h.emit.Wait()

	assert.Equal(t, 1, sum.Transitions)
	events := h.sink.Matching("event=activity_duration")
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "active=0.0")
	assert.Contains(t, events[0], "duration_ms=3000.0")

	active, err := m.Active(ctx, h.lamp.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestPollOnce_TransportErrorKeepsFlag(t *testing.T) {
	h := newHarness(t, time.Second)
	h.reader.fail("dev-lamp", gateway.ErrTransport)
	m := h.monitor(h.store, Config{})

	sum, err := m.PollOnce(context.Background())
	require.NoError(t, err)
	h.emit.Wait()

	assert.Equal(t, Summary{Polled: 1, Failures: 1}, sum)
	assert.Equal(t, 0, h.store.WriteCount("device", h.lamp.ID))

	events := h.sink.Matching("event=connection_error")
	require.Len(t, events, 1)
	assert.NotContains(t, events[0], "duration_ms")
	assert.Empty(t, h.sink.Matching("event=activity_duration"))
}

func TestPollOnce_MissingAttributeIsInactive(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	require.NoError(t, h.store.SetDeviceActive(ctx, h.lamp.ID, true, h.now.Add(-time.Second)))
	m := h.monitor(h.store, Config{})

	_, err := m.PollOnce(ctx)
	require.NoError(t, err)
	h.emit.Wait()

	d, err := h.store.Device(ctx, h.lamp.ID)
	require.NoError(t, err)
	assert.False(t, d.Active)
}

func TestPollOnce_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	gw := twin.Gateway{Name: "tb2"}
	require.NoError(t, h.store.CreateGateway(ctx, &gw))
	for i := range 19 {
		d := twin.Device{Name: "d", Identifier: "dev-" + strconv.Itoa(i), GatewayID: gw.ID}
		require.NoError(t, h.store.CreateDevice(ctx, &d))
	}
	h.reader.delay = 20 * time.Millisecond
	m := h.monitor(h.store, Config{Concurrency: 5})

	sum, err := m.PollOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 20, sum.Polled)
	assert.LessOrEqual(t, h.reader.maxUse.Load(), int32(5))
	assert.Equal(t, int32(5), h.reader.maxUse.Load(), "limiter should be saturated")
}

func TestPollDevices(t *testing.T) {
	h := newHarness(t, time.Second)
	h.reader.set("dev-lamp", true)
	m := h.monitor(h.store, Config{})

	sum, err := m.PollDevices(context.Background(), []int64{h.lamp.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Transitions)

	_, err = m.PollDevices(context.Background(), []int64{9999})
	assert.ErrorIs(t, err, twin.ErrNotFound)
}

func TestActive_FallsBackToStore(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.store.SetDeviceActive(ctx, h.lamp.ID, true, h.now))
	m := h.monitor(h.store, Config{})

	active, err := m.Active(ctx, h.lamp.ID)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = m.Active(ctx, 9999)
	assert.True(t, errors.Is(err, twin.ErrNotFound))
}

// TestActive_FollowsStoreAfterInterval covers a monitor that does not poll:
// another process flips the stored flag and the cached value must expire.
func TestActive_FollowsStoreAfterInterval(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.store.SetDeviceActive(ctx, h.lamp.ID, true, h.now))
	m := h.monitor(h.store, Config{Interval: 5 * time.Second})

	active, err := m.Active(ctx, h.lamp.ID)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, h.store.SetDeviceActive(ctx, h.lamp.ID, false, h.now))

	h.now = h.now.Add(time.Second)
	active, err = m.Active(ctx, h.lamp.ID)
	require.NoError(t, err)
	assert.True(t, active, "cached flag is served within the interval")

	h.now = h.now.Add(5 * time.Second)
	active, err = m.Active(ctx, h.lamp.ID)
	require.NoError(t, err)
	assert.False(t, active, "stale flag must be re-read from the store")
}

func TestRunDevices(t *testing.T) {
	h := newHarness(t, time.Second)
	h.reader.set("dev-lamp", true)
	m := h.monitor(h.store, Config{Interval: 10 * time.Millisecond})

	err := m.RunDevices(context.Background(), []int64{h.lamp.ID, 9999})
	assert.ErrorIs(t, err, twin.ErrNotFound)
	assert.Zero(t, h.reader.calls)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunDevices(ctx, []int64{h.lamp.ID}) }()

	require.Eventually(t, func() bool {
		h.reader.mu.Lock()
		defer h.reader.mu.Unlock()
		return h.reader.calls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunDevices did not return after cancel")
	}
	h.emit.Wait()
	assert.Equal(t, 1, h.store.WriteCount("device", h.lamp.ID))
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, time.Second)
	h.reader.set("dev-lamp", true)
	m := h.monitor(h.store, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.reader.mu.Lock()
		defer h.reader.mu.Unlock()
		return h.reader.calls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.emit.Wait()
	assert.Equal(t, 1, h.store.WriteCount("device", h.lamp.ID))
}

func TestReportedActive_StaleActivity(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	attrs := func(lastMs int64) gateway.Attributes {
		return gateway.Attributes{
			{Key: gateway.AttrActive, Value: json.RawMessage("true")},
			{Key: gateway.AttrLastActivityTime, Value: json.RawMessage(strconv.FormatInt(lastMs, 10))},
		}
	}

	tests := []struct {
		name    string
		attrs   gateway.Attributes
		timeout time.Duration
		want    bool
	}{
		{"fresh activity", attrs(now.Add(-5 * time.Second).UnixMilli()), 30 * time.Second, true},
		{"stale activity", attrs(now.Add(-time.Minute).UnixMilli()), 30 * time.Second, false},
		{"no timeout configured", attrs(now.Add(-time.Hour).UnixMilli()), 0, true},
		{"reported inactive", gateway.Attributes{{Key: gateway.AttrActive, Value: json.RawMessage("false")}}, 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reportedActive(tt.attrs, tt.timeout, now))
		})
	}
}
