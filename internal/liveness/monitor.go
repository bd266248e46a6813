package liveness

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/metrics"
	"github.com/middts/middts-core/internal/twin"
)

// Monitor defaults.
const (
	DefaultInterval    = 5 * time.Second
	DefaultConcurrency = 50
)

// Store is the entity-store surface the monitor needs. It is the only
// component allowed to call SetDeviceActive.
type Store interface {
	Device(ctx context.Context, id int64) (twin.Device, error)
	ListDevices(ctx context.Context) ([]twin.Device, error)
	SetDeviceActive(ctx context.Context, id int64, active bool, at time.Time) error
	InstancesForDevice(ctx context.Context, deviceID int64) ([]twin.Instance, error)
	SetInstanceActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error
}

// AttributeReader reads the attribute listing of a device.
// gateway.Client implements it.
type AttributeReader interface {
	ReadAttributes(ctx context.Context, target gateway.Target) (gateway.Attributes, error)
}

// Recorder receives availability samples. metrics.Emitter implements it.
type Recorder interface {
	Availability(sensor, event string, active bool, duration time.Duration)
}

// Logger is the logging surface used by the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopRecorder struct{}

func (noopRecorder) Availability(string, string, bool, time.Duration) {}

// Config configures the poll loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Summary counts the outcomes of one poll cycle.
type Summary struct {
	Polled      int
	Transitions int
	Failures    int
}

// Monitor polls device liveness.
//
// Thread Safety: safe for concurrent use. Cycles driven by Run never overlap.
type Monitor struct {
	store    Store
	reader   AttributeReader
	recorder Recorder
	logger   Logger
	cfg      Config
	sem      *semaphore.Weighted
	now      func() time.Time
	throttle *logging.Throttle

	mu     sync.RWMutex
	active map[int64]cachedState
}

// cachedState is a liveness flag and the time it was observed.
type cachedState struct {
	active bool
	at     time.Time
}

// New creates a monitor. A nil recorder drops samples; zero config values
// take the defaults.
func New(store Store, reader AttributeReader, recorder Recorder, cfg Config, logger Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Monitor{
		store:    store,
		reader:   reader,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
		throttle: logging.NewThrottle(logging.DefaultThrottleWindow),
		active:   make(map[int64]cachedState),
	}
}

// Run polls every device every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("liveness monitor started",
		"interval", m.cfg.Interval.String(),
		"concurrency", m.cfg.Concurrency,
	)
	return m.loop(ctx, m.PollOnce)
}

// RunDevices polls the given devices every Interval until ctx is cancelled.
// Unknown device ids fail before the first cycle.
func (m *Monitor) RunDevices(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := m.store.Device(ctx, id); err != nil {
			return fmt.Errorf("loading device %d: %w", id, err)
		}
	}
	m.logger.Info("liveness monitor started",
		"interval", m.cfg.Interval.String(),
		"concurrency", m.cfg.Concurrency,
		"devices", len(ids),
	)
	return m.loop(ctx, func(ctx context.Context) (Summary, error) {
		return m.PollDevices(ctx, ids)
	})
}

func (m *Monitor) loop(ctx context.Context, cycle func(context.Context) (Summary, error)) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := cycle(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("liveness poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce polls every device once. Devices listed twice are polled once.
func (m *Monitor) PollOnce(ctx context.Context) (Summary, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing devices: %w", err)
	}
	return m.poll(ctx, devices)
}

// PollDevices polls the given devices once.
func (m *Monitor) PollDevices(ctx context.Context, ids []int64) (Summary, error) {
	devices := make([]twin.Device, 0, len(ids))
	for _, id := range ids {
		d, err := m.store.Device(ctx, id)
		if err != nil {
			return Summary{}, fmt.Errorf("loading device %d: %w", id, err)
		}
		devices = append(devices, d)
	}
	return m.poll(ctx, devices)
}

func (m *Monitor) poll(ctx context.Context, devices []twin.Device) (Summary, error) {
	var (
		mu  sync.Mutex
		sum Summary
	)
	seen := make(map[int64]struct{}, len(devices))

	// A failing device must not cancel the polls of the others.
	var g errgroup.Group
	for _, d := range devices {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}

		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer m.sem.Release(1)
			outcome, err := m.check(ctx, d)
			mu.Lock()
			sum.Polled++
			switch outcome {
			case outcomeTransition:
				sum.Transitions++
			case outcomeFailure:
				sum.Failures++
			}
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return sum, err
}

type outcome int

const (
	outcomeSteady outcome = iota
	outcomeTransition
	outcomeFailure
)

// check polls one device. Only store write failures are returned; read
// failures are recorded as connection errors.
func (m *Monitor) check(ctx context.Context, d twin.Device) (outcome, error) {
	attrs, err := m.reader.ReadAttributes(ctx, gateway.Target{GatewayID: d.GatewayID, DeviceID: d.Identifier})
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSteady, nil
		}
		m.recordFailure(d, err)
		return outcomeFailure, nil
	}
	m.throttle.Reset(throttleKey(d.ID))

	now := m.now()
	active := reportedActive(attrs, d.InactivityTimeout, now)
	m.setCached(d.ID, active)
	if active == d.Active {
		return outcomeSteady, nil
	}

	duration := time.Duration(-1)
	if d.LastTransitionAt != nil {
		duration = now.Sub(*d.LastTransitionAt)
	}

	if err := m.store.SetDeviceActive(ctx, d.ID, active, now); err != nil {
		return outcomeSteady, fmt.Errorf("updating device %d: %w", d.ID, err)
	}
	if err := m.updateInstances(ctx, d.ID, active, now); err != nil {
		return outcomeTransition, err
	}

	event := metrics.EventActivityDuration
	if active {
		event = metrics.EventInactivityDuration
	}
	m.recorder.Availability(d.Identifier, event, active, duration)

	m.logger.Info("device liveness changed",
		"device_id", d.ID,
		"identifier", d.Identifier,
		"active", active,
		"previous_state_ms", duration.Milliseconds(),
	)
	return outcomeTransition, nil
}

func (m *Monitor) updateInstances(ctx context.Context, deviceID int64, active bool, now time.Time) error {
	instances, err := m.store.InstancesForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("listing instances of device %d: %w", deviceID, err)
	}
	var errs []error
	for _, inst := range instances {
		if inst.Active == active {
			continue
		}
		if err := m.store.SetInstanceActive(ctx, inst.ID, active, now); err != nil {
			errs = append(errs, fmt.Errorf("updating instance %d: %w", inst.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) recordFailure(d twin.Device, err error) {
	m.recorder.Availability(d.Identifier, metrics.EventConnectionError, d.Active, -1)
	if ok, suppressed := m.throttle.Allow(throttleKey(d.ID)); ok {
		m.logger.Warn("liveness poll failed",
			"device_id", d.ID,
			"identifier", d.Identifier,
			"suppressed", suppressed,
			"error", err,
		)
	}
}

// Active returns the current liveness flag of a device: the last polled
// state, or the stored flag. A flag older than Interval is re-read from the
// store, so a monitor that does not poll the device itself still follows
// the process that does.
func (m *Monitor) Active(ctx context.Context, deviceID int64) (bool, error) {
	m.mu.RLock()
	cached, ok := m.active[deviceID]
	m.mu.RUnlock()
	if ok && m.now().Sub(cached.at) < m.cfg.Interval {
		return cached.active, nil
	}

	d, err := m.store.Device(ctx, deviceID)
	if err != nil {
		return false, err
	}
	m.setCached(deviceID, d.Active)
	return d.Active, nil
}

func (m *Monitor) setCached(deviceID int64, active bool) {
	m.mu.Lock()
	m.active[deviceID] = cachedState{active: active, at: m.now()}
	m.mu.Unlock()
}

// reportedActive decodes the device-reported state. A missing or malformed
// active attribute counts as inactive. When the device has an inactivity
// timeout, a lastActivityTime older than the timeout also counts as inactive.
func reportedActive(attrs gateway.Attributes, timeout time.Duration, now time.Time) bool {
	active, ok := attrs.Active()
	if !ok || !active {
		return false
	}
	if timeout > 0 {
		if last, ok := attrs.LastActivity(); ok && now.Sub(last) > timeout {
			return false
		}
	}
	return true
}

func throttleKey(deviceID int64) string {
	return "liveness:" + strconv.FormatInt(deviceID, 10)
}
