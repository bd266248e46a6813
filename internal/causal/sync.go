package causal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/process"
	"github.com/middts/middts-core/internal/twin"
)

// publishTimeout bounds the delivery of one sync event.
const publishTimeout = 5 * time.Second

// State is the synchronization state of a twin property.
type State int

// Property states.
const (
	Idle State = iota
	Unbound
	Propagating
	Reconciled
	Rejected
)

// String returns the state name used in logs, events and the ops API.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Unbound:
		return "unbound"
	case Propagating:
		return "propagating"
	case Reconciled:
		return "reconciled"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Rejected; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("causal: unknown state %q", text)
}

// Mode selects how long Write waits for the device.
type Mode int

// Write modes.
const (
	// Blocking waits for the RPC and returns the reconciled outcome.
	Blocking Mode = iota

	// FireAndForget returns after the optimistic apply and reconciles in
	// the background. Failures are logged only.
	FireAndForget
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case FireAndForget:
		return "fire_and_forget"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// WriteOptions configures a single write.
type WriteOptions struct {
	Mode Mode

	// Class overrides the timeout class. Blocking writes default to
	// BestEffortWrite and fire-and-forget writes to UltraLowLatencyWrite.
	Class *gateway.TimeoutClass
}

func (o WriteOptions) class() gateway.TimeoutClass {
	if o.Class != nil {
		return *o.Class
	}
	if o.Mode == FireAndForget {
		return gateway.UltraLowLatencyWrite
	}
	return gateway.BestEffortWrite
}

// Outcome describes the result of a write.
//
// Requested is the canonical form of the requested value and Value the twin
// value once the write settled. A fire-and-forget write returns while still
// Propagating, with Value holding the optimistic value.
type Outcome struct {
	PropertyID int64           `json:"property_id"`
	State      State           `json:"state"`
	Requested  string          `json:"requested"`
	Value      string          `json:"value"`
	Previous   string          `json:"previous"`
	Echo       json.RawMessage `json:"echo,omitempty"`
	Optimistic bool            `json:"optimistic,omitempty"`
	Conflict   bool            `json:"conflict,omitempty"`
}

// Store is the entity-store surface used by Sync.
type Store interface {
	Property(ctx context.Context, id int64) (twin.Property, error)
	SetPropertyValue(ctx context.Context, id int64, value string) error
	SwapPropertyValue(ctx context.Context, id int64, old, value string) (bool, error)
	DeviceProperty(ctx context.Context, id int64) (twin.DeviceProperty, error)
	SetDevicePropertyValue(ctx context.Context, id int64, value string) error
	Device(ctx context.Context, id int64) (twin.Device, error)
}

// Invoker issues device RPCs. gateway.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, target gateway.Target, method string, params any, class gateway.TimeoutClass) gateway.Result
}

// Recorder receives outbound write samples. metrics.Emitter implements it.
type Recorder interface {
	SentTimestamp(sensor, key string, value any)
}

// Tasks runs background work. process.Supervisor implements it.
type Tasks interface {
	Go(name string, fn process.TaskFunc) bool
}

// Logger is the logging surface used by Sync.
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

func (noopRecorder) SentTimestamp(string, string, any) {}

// Deps are the collaborators of a Sync. Store and Invoker are required.
type Deps struct {
	Store     Store
	Invoker   Invoker
	Recorder  Recorder
	Tasks     Tasks
	Publisher EventPublisher
	Logger    Logger
}

// Sync propagates twin property writes to devices.
//
// Thread Safety: safe for concurrent use. Writes to one property are
// serialized: a property is held from optimistic apply until
// reconciliation, including the background part of a fire-and-forget write.
type Sync struct {
	deps Deps
	now  func() time.Time

	slotMu sync.Mutex
	slots  map[int64]*slot

	stateMu sync.RWMutex
	states  map[int64]State

	throttle *logging.Throttle
}

// NewSync creates a Sync. Without Tasks, background work runs on a private
// process.Supervisor.
func NewSync(deps Deps) *Sync {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Tasks == nil {
		deps.Tasks = process.NewSupervisor(context.Background(), deps.Logger)
	}
	return &Sync{
		deps:     deps,
		now:      time.Now,
		slots:    make(map[int64]*slot),
		states:   make(map[int64]State),
		throttle: logging.NewThrottle(logging.DefaultThrottleWindow),
	}
}

// pending is a causal write between optimistic apply and reconciliation.
type pending struct {
	prop      twin.Property
	dp        twin.DeviceProperty
	device    twin.Device
	typed     any
	requested string
	class     gateway.TimeoutClass
	mode      Mode
	started   time.Time
}

// Write sets a twin property.
//
// Non-causal and unbound properties are coerced and stored without an RPC.
// Causal bound properties follow the optimistic apply, RPC and reconcile
// cycle; a refused write returns an error wrapping ErrRejected and the twin
// keeps its previous value.
//
// A fire-and-forget write never waits for another write to the same
// property. While one is in flight the value is parked and returned as
// Propagating; only the most recent parked value is propagated once the
// property is free.
func (s *Sync) Write(ctx context.Context, propertyID int64, value any, opts WriteOptions) (Outcome, error) {
	sl := s.slot(propertyID)
	if opts.Mode == FireAndForget {
		if !sl.tryAcquire(value, opts) {
			s.deps.Logger.Debug("causal write coalesced", "property_id", propertyID)
			return Outcome{
				PropertyID: propertyID,
				State:      Propagating,
				Requested:  twin.Format(value),
			}, nil
		}
	} else {
		sl.mu.Lock()
	}

	w, out, done, err := s.apply(ctx, propertyID, value, opts)
	if done {
		s.release(propertyID, sl)
		return out, err
	}

	if opts.Mode != FireAndForget {
		defer s.release(propertyID, sl)
		return s.propagate(ctx, w)
	}

	started := s.deps.Tasks.Go("causal-propagate", func(taskCtx context.Context) error {
		defer s.release(propertyID, sl)
		_, err := s.propagate(taskCtx, w)
		return err
	})
	if !started {
		value := s.revert(context.WithoutCancel(ctx), w)
		s.setState(w.prop.ID, Rejected)
		s.release(propertyID, sl)
		return Outcome{
			PropertyID: w.prop.ID,
			State:      Rejected,
			Requested:  w.requested,
			Value:      value,
			Previous:   w.prop.Value,
		}, ErrShutdown
	}

	return Outcome{
		PropertyID: w.prop.ID,
		State:      Propagating,
		Requested:  w.requested,
		Value:      w.requested,
		Previous:   w.prop.Value,
	}, nil
}

// apply loads and validates a write and applies it optimistically. done is
// true when nothing is left to propagate, either because the property is
// local or because the write was refused.
func (s *Sync) apply(ctx context.Context, propertyID int64, value any, opts WriteOptions) (w pending, out Outcome, done bool, err error) {
	p, err := s.deps.Store.Property(ctx, propertyID)
	if err != nil {
		return w, Outcome{PropertyID: propertyID, State: s.State(propertyID)}, true, fmt.Errorf("loading property %d: %w", propertyID, err)
	}

	if !p.Causal || !p.Bound() {
		out, err = s.writeLocal(ctx, p, value)
		return w, out, true, err
	}

	typed, err := twin.Coerce(p.Type, value)
	if err != nil {
		out, err = s.rejectEarly(p, twin.Format(value), err)
		return w, out, true, err
	}
	requested := twin.Format(typed)

	dp, err := s.deps.Store.DeviceProperty(ctx, *p.DevicePropertyID)
	if err != nil {
		return w, s.outcome(p, requested), true, fmt.Errorf("loading device property %d: %w", *p.DevicePropertyID, err)
	}
	if dp.WriteMethod == "" {
		out, err = s.rejectEarly(p, requested, fmt.Errorf("%w: %q", ErrNoWriteMethod, dp.Name))
		return w, out, true, err
	}
	device, err := s.deps.Store.Device(ctx, dp.DeviceID)
	if err != nil {
		return w, s.outcome(p, requested), true, fmt.Errorf("loading device %d: %w", dp.DeviceID, err)
	}

	w = pending{
		prop:      p,
		dp:        dp,
		device:    device,
		typed:     typed,
		requested: requested,
		class:     opts.class(),
		mode:      opts.Mode,
		started:   s.now(),
	}

	if err := s.deps.Store.SetPropertyValue(ctx, p.ID, requested); err != nil {
		return w, s.outcome(p, requested), true, fmt.Errorf("applying property %d: %w", p.ID, err)
	}
	s.setState(p.ID, Propagating)
	s.deps.Recorder.SentTimestamp(device.Identifier, dp.Name, typed)
	return w, Outcome{}, false, nil
}

// release hands the property to its parked write, if any, or unlocks it.
func (s *Sync) release(propertyID int64, sl *slot) {
	next, ok := sl.takeParked()
	if !ok {
		return
	}
	started := s.deps.Tasks.Go("causal-propagate", func(ctx context.Context) error {
		w, _, done, err := s.apply(ctx, propertyID, next.value, next.opts)
		if !done {
			_, err = s.propagate(ctx, w)
		}
		s.release(propertyID, sl)
		return err
	})
	if !started {
		s.deps.Logger.Debug("parked write dropped during shutdown", "property_id", propertyID)
		sl.dropParked()
	}
}

// State returns the last known state of a property, Idle when it was never
// written.
func (s *Sync) State(propertyID int64) State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.states[propertyID]
}

// Describe returns the state of a property, deriving Unbound from the store
// for properties that were never written.
func (s *Sync) Describe(ctx context.Context, propertyID int64) (twin.Property, State, error) {
	p, err := s.deps.Store.Property(ctx, propertyID)
	if err != nil {
		return twin.Property{}, Idle, err
	}
	s.stateMu.RLock()
	st, ok := s.states[propertyID]
	s.stateMu.RUnlock()
	if !ok && !p.Bound() {
		st = Unbound
	}
	return p, st, nil
}

// Refresh reads a bound property back from its device with the read RPC
// under the status-poll class, then stores the answer in the device
// property and the twin property. The property is held for the duration
// like a write.
func (s *Sync) Refresh(ctx context.Context, propertyID int64) (Outcome, error) {
	sl := s.slot(propertyID)
	sl.mu.Lock()
	defer s.release(propertyID, sl)

	p, err := s.deps.Store.Property(ctx, propertyID)
	if err != nil {
		return Outcome{PropertyID: propertyID, State: s.State(propertyID)}, fmt.Errorf("loading property %d: %w", propertyID, err)
	}
	if !p.Bound() {
		return s.outcome(p, ""), fmt.Errorf("%w: property %d", ErrUnbound, p.ID)
	}
	dp, err := s.deps.Store.DeviceProperty(ctx, *p.DevicePropertyID)
	if err != nil {
		return s.outcome(p, ""), fmt.Errorf("loading device property %d: %w", *p.DevicePropertyID, err)
	}
	if dp.ReadMethod == "" {
		return s.outcome(p, ""), fmt.Errorf("%w: %q", ErrNoReadMethod, dp.Name)
	}
	device, err := s.deps.Store.Device(ctx, dp.DeviceID)
	if err != nil {
		return s.outcome(p, ""), fmt.Errorf("loading device %d: %w", dp.DeviceID, err)
	}

	res := s.deps.Invoker.Invoke(ctx,
		gateway.Target{GatewayID: device.GatewayID, DeviceID: device.Identifier},
		dp.ReadMethod, nil, gateway.StatusPoll)
	out := s.outcome(p, "")
	out.Echo = res.Echo
	if !res.OK() {
		return out, fmt.Errorf("%w: property %d: %w", ErrReadFailed, p.ID, res.Error())
	}
	raw, ok := echoValue(res.Echo, dp.Name, p.Name)
	if res.Optimistic || !ok {
		return out, fmt.Errorf("%w: property %d: no value in response", ErrReadFailed, p.ID)
	}
	typed, err := twin.Coerce(p.Type, raw)
	if err != nil {
		return out, fmt.Errorf("%w: property %d: %w", ErrReadFailed, p.ID, err)
	}
	value := twin.Format(typed)
	deviceValue, err := twin.CoerceString(dp.Type, typed)
	if err != nil {
		deviceValue = value
	}

	storeCtx := context.WithoutCancel(ctx)
	if err := s.deps.Store.SetDevicePropertyValue(storeCtx, dp.ID, deviceValue); err != nil {
		return out, fmt.Errorf("storing device property %d: %w", dp.ID, err)
	}
	if err := s.deps.Store.SetPropertyValue(storeCtx, p.ID, value); err != nil {
		return out, fmt.Errorf("storing property %d: %w", p.ID, err)
	}

	s.setState(p.ID, Reconciled)
	out.State = Reconciled
	out.Value = value
	s.deps.Logger.Debug("property refreshed from device",
		"property_id", p.ID,
		"device", device.Identifier,
		"method", dp.ReadMethod,
		"value", value,
		"previous", p.Value,
	)
	return out, nil
}

func (s *Sync) writeLocal(ctx context.Context, p twin.Property, value any) (Outcome, error) {
	v, err := twin.CoerceString(p.Type, value)
	if err != nil {
		return s.outcome(p, twin.Format(value)), fmt.Errorf("property %d: %w", p.ID, err)
	}
	if err := s.deps.Store.SetPropertyValue(ctx, p.ID, v); err != nil {
		return s.outcome(p, v), fmt.Errorf("storing property %d: %w", p.ID, err)
	}
	st := Idle
	if !p.Bound() {
		st = Unbound
	}
	s.setState(p.ID, st)
	return Outcome{PropertyID: p.ID, State: st, Requested: v, Value: v, Previous: p.Value}, nil
}

// rejectEarly refuses a write before anything was applied.
func (s *Sync) rejectEarly(p twin.Property, requested string, cause error) (Outcome, error) {
	s.setState(p.ID, Rejected)
	s.publish(Event{
		State:      Rejected,
		InstanceID: p.InstanceID,
		PropertyID: p.ID,
		Property:   p.Name,
		Requested:  requested,
		Value:      p.Value,
		Previous:   p.Value,
		Reason:     cause.Error(),
	})
	s.deps.Logger.Warn("causal write rejected",
		"property_id", p.ID,
		"requested", requested,
		"error", cause,
	)
	return Outcome{
		PropertyID: p.ID,
		State:      Rejected,
		Requested:  requested,
		Value:      p.Value,
		Previous:   p.Value,
	}, fmt.Errorf("%w: property %d: %w", ErrRejected, p.ID, cause)
}

// propagate sends the write RPC and reconciles both sides with its result.
// Store writes after the RPC ignore cancellation of ctx so that the twin is
// never left at an unconfirmed value.
func (s *Sync) propagate(ctx context.Context, w pending) (Outcome, error) {
	res := s.deps.Invoker.Invoke(ctx,
		gateway.Target{GatewayID: w.device.GatewayID, DeviceID: w.device.Identifier},
		w.dp.WriteMethod, w.typed, w.class)
	storeCtx := context.WithoutCancel(ctx)
	latency := s.now().Sub(w.started)

	out := Outcome{
		PropertyID: w.prop.ID,
		Requested:  w.requested,
		Previous:   w.prop.Value,
		Echo:       res.Echo,
		Optimistic: res.Optimistic,
	}

	if !res.OK() {
		out.Value = s.revert(storeCtx, w)
		s.setState(w.prop.ID, Rejected)
		out.State = Rejected

		key := "write:" + strconv.FormatInt(w.prop.ID, 10)
		if ok, suppressed := s.throttle.Allow(key); ok {
			s.deps.Logger.Warn("causal write failed, reverted",
				"property_id", w.prop.ID,
				"device", w.device.Identifier,
				"method", w.dp.WriteMethod,
				"class", w.class.String(),
				"kind", res.Kind.String(),
				"suppressed", suppressed,
				"error", res.Error(),
			)
		}
		s.publish(s.event(w, out, res.Kind.String(), latency))
		return out, fmt.Errorf("%w: property %d: %w", ErrRejected, w.prop.ID, res.Error())
	}
	s.throttle.Reset("write:" + strconv.FormatInt(w.prop.ID, 10))

	value, typed, conflict := s.reconcile(w, res)
	if conflict {
		s.deps.Logger.Info("consistency conflict, adopting device echo",
			"property_id", w.prop.ID,
			"device", w.device.Identifier,
			"requested", w.requested,
			"echo", value,
		)
	}
	deviceValue, err := twin.CoerceString(w.dp.Type, typed)
	if err != nil {
		deviceValue = value
	}

	if err := s.deps.Store.SetPropertyValue(storeCtx, w.prop.ID, value); err != nil {
		s.setState(w.prop.ID, Idle)
		out.State = Idle
		return out, fmt.Errorf("storing property %d: %w", w.prop.ID, err)
	}
	if err := s.deps.Store.SetDevicePropertyValue(storeCtx, w.dp.ID, deviceValue); err != nil {
		s.setState(w.prop.ID, Idle)
		out.State = Idle
		return out, fmt.Errorf("storing device property %d: %w", w.dp.ID, err)
	}

	s.setState(w.prop.ID, Reconciled)
	out.State = Reconciled
	out.Value = value
	out.Conflict = conflict
	s.deps.Logger.Debug("causal write reconciled",
		"property_id", w.prop.ID,
		"value", value,
		"mode", w.mode.String(),
		"optimistic", res.Optimistic,
		"latency", latency.String(),
	)
	s.publish(s.event(w, out, "", latency))
	return out, nil
}

// reconcile picks the value both sides settle on. The device echo wins when
// it carries a coercible value; otherwise the requested value stands.
func (s *Sync) reconcile(w pending, res gateway.Result) (string, any, bool) {
	if res.Optimistic || len(res.Echo) == 0 {
		return w.requested, w.typed, false
	}
	raw, ok := echoValue(res.Echo, w.dp.Name, w.prop.Name)
	if !ok {
		return w.requested, w.typed, false
	}
	typed, err := twin.Coerce(w.prop.Type, raw)
	if err != nil {
		s.deps.Logger.Warn("device echo does not match property type",
			"property_id", w.prop.ID,
			"type", string(w.prop.Type),
			"echo", string(res.Echo),
		)
		return w.requested, w.typed, false
	}
	value := twin.Format(typed)
	return value, typed, value != w.requested
}

// revert restores the previous twin value unless something else, such as
// the telemetry mirror, replaced the optimistic value in the meantime. It
// returns the value the twin holds afterwards.
func (s *Sync) revert(ctx context.Context, w pending) string {
	swapped, err := s.deps.Store.SwapPropertyValue(ctx, w.prop.ID, w.requested, w.prop.Value)
	if err != nil {
		s.deps.Logger.Error("reverting property failed",
			"property_id", w.prop.ID,
			"value", w.prop.Value,
			"error", err,
		)
		return w.prop.Value
	}
	if swapped {
		return w.prop.Value
	}
	p, err := s.deps.Store.Property(ctx, w.prop.ID)
	if err != nil {
		return w.prop.Value
	}
	s.deps.Logger.Debug("property changed during propagation, revert skipped",
		"property_id", w.prop.ID,
		"requested", w.requested,
		"value", p.Value,
	)
	return p.Value
}

func (s *Sync) event(w pending, out Outcome, reason string, latency time.Duration) Event {
	return Event{
		State:            out.State,
		InstanceID:       w.prop.InstanceID,
		PropertyID:       w.prop.ID,
		DevicePropertyID: w.dp.ID,
		Property:         w.prop.Name,
		Device:           w.device.Identifier,
		Requested:        out.Requested,
		Value:            out.Value,
		Previous:         out.Previous,
		Conflict:         out.Conflict,
		Optimistic:       out.Optimistic,
		Reason:           reason,
		LatencyMS:        latency.Milliseconds(),
	}
}

// publish hands an event to the publisher in the background.
func (s *Sync) publish(ev Event) {
	if s.deps.Publisher == nil {
		return
	}
	ev = ev.stamp(s.now())
	ok := s.deps.Tasks.Go("causal-event", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := s.deps.Publisher.PublishEvent(ctx, ev); err != nil {
			return fmt.Errorf("publishing %s event for property %d: %w", ev.State, ev.PropertyID, err)
		}
		return nil
	})
	if !ok {
		s.deps.Logger.Debug("sync event dropped during shutdown", "property_id", ev.PropertyID)
	}
}

func (s *Sync) outcome(p twin.Property, requested string) Outcome {
	return Outcome{
		PropertyID: p.ID,
		State:      s.State(p.ID),
		Requested:  requested,
		Value:      p.Value,
		Previous:   p.Value,
	}
}

func (s *Sync) setState(propertyID int64, st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.states[propertyID] = st
}

func (s *Sync) slot(propertyID int64) *slot {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	sl, ok := s.slots[propertyID]
	if !ok {
		sl = &slot{}
		s.slots[propertyID] = sl
	}
	return sl
}

// slot serializes the writes to one property and parks the latest
// fire-and-forget value that arrived while the property was held.
type slot struct {
	mu sync.Mutex

	parkMu sync.Mutex
	parked *parkedWrite
}

type parkedWrite struct {
	value any
	opts  WriteOptions
}

// tryAcquire takes the slot, or parks the write when it is held. It reports
// whether the slot was taken.
func (sl *slot) tryAcquire(value any, opts WriteOptions) bool {
	sl.parkMu.Lock()
	defer sl.parkMu.Unlock()
	if sl.mu.TryLock() {
		return true
	}
	sl.parked = &parkedWrite{value: value, opts: opts}
	return false
}

// takeParked removes the parked write and keeps the slot held for it. With
// nothing parked the slot is unlocked and ok is false.
func (sl *slot) takeParked() (next parkedWrite, ok bool) {
	sl.parkMu.Lock()
	defer sl.parkMu.Unlock()
	if sl.parked == nil {
		sl.mu.Unlock()
		return parkedWrite{}, false
	}
	next = *sl.parked
	sl.parked = nil
	return next, true
}

// dropParked unlocks a slot taken by takeParked whose write cannot run.
func (sl *slot) dropParked() {
	sl.parkMu.Lock()
	defer sl.parkMu.Unlock()
	sl.parked = nil
	sl.mu.Unlock()
}

// echoValue extracts the value from an RPC echo. Scalars are taken as is.
// Objects are searched for a "value" key, then for the given names.
func echoValue(raw json.RawMessage, names ...string) (any, bool) {
	v, err := twin.DecodeJSON(raw)
	if err != nil {
		return nil, false
	}
	switch val := v.(type) {
	case nil, []any:
		return nil, false
	case map[string]any:
		if x, ok := val["value"]; ok && x != nil {
			return x, true
		}
		for _, name := range names {
			if x, ok := val[name]; ok && x != nil {
				return x, true
			}
		}
		return nil, false
	default:
		return val, true
	}
}
