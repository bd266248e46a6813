package twin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same behaviour as SQLiteStore.
// It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	gateways  map[int64]Gateway
	devices   map[int64]Device
	devProps  map[int64]DeviceProperty
	instances map[int64]Instance
	props     map[int64]Property

	// Writes counts successful Set* calls, keyed by "kind:id".
	writes map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gateways:  make(map[int64]Gateway),
		devices:   make(map[int64]Device),
		devProps:  make(map[int64]DeviceProperty),
		instances: make(map[int64]Instance),
		props:     make(map[int64]Property),
		writes:    make(map[string]int),
	}
}

// WriteCount returns how many times the record was updated through a Set* call.
// kind is one of "device", "device_property", "instance", "property".
func (m *MemoryStore) WriteCount(kind string, id int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[fmt.Sprintf("%s:%d", kind, id)]
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) touch(kind string, id int64) {
	m.writes[fmt.Sprintf("%s:%d", kind, id)]++
}

// Gateway retrieves a gateway by id.
func (m *MemoryStore) Gateway(_ context.Context, id int64) (Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gateways[id]
	if !ok {
		return Gateway{}, fmt.Errorf("%w: gateway %d", ErrNotFound, id)
	}
	return g, nil
}

// Device retrieves a device by id.
func (m *MemoryStore) Device(_ context.Context, id int64) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %d", ErrNotFound, id)
	}
	return d, nil
}

// ListDevices returns every device ordered by id.
func (m *MemoryStore) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BoundDevices returns the devices with at least one causal bound twin property.
func (m *MemoryStore) BoundDevices(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]bool)
	for _, p := range m.props {
		if !p.Causal || p.DevicePropertyID == nil {
			continue
		}
		if dp, ok := m.devProps[*p.DevicePropertyID]; ok {
			seen[dp.DeviceID] = true
		}
	}
	out := make([]Device, 0, len(seen))
	for id := range seen {
		if d, ok := m.devices[id]; ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetDeviceActive records a liveness transition.
func (m *MemoryStore) SetDeviceActive(_ context.Context, id int64, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %d", ErrNotFound, id)
	}
	d.Active = active
	t := at
	d.LastTransitionAt = &t
	m.devices[id] = d
	m.touch("device", id)
	return nil
}

// DeviceProperty retrieves a device property by id.
func (m *MemoryStore) DeviceProperty(_ context.Context, id int64) (DeviceProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.devProps[id]
	if !ok {
		return DeviceProperty{}, fmt.Errorf("%w: device property %d", ErrNotFound, id)
	}
	return p, nil
}

// DevicePropertyByName retrieves a device property by its telemetry key.
func (m *MemoryStore) DevicePropertyByName(_ context.Context, deviceID int64, name string) (DeviceProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.devProps {
		if p.DeviceID == deviceID && p.Name == name {
			return p, nil
		}
	}
	return DeviceProperty{}, fmt.Errorf("%w: device property %s", ErrNotFound, name)
}

// SetDevicePropertyValue stores a device property value.
func (m *MemoryStore) SetDevicePropertyValue(_ context.Context, id int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.devProps[id]
	if !ok {
		return fmt.Errorf("%w: device property %d", ErrNotFound, id)
	}
	p.Value = value
	m.devProps[id] = p
	m.touch("device_property", id)
	return nil
}

// Instance retrieves a twin instance by id.
func (m *MemoryStore) Instance(_ context.Context, id int64) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: instance %d", ErrNotFound, id)
	}
	return inst, nil
}

// InstancesForDevice returns the instances with a property bound to the device.
func (m *MemoryStore) InstancesForDevice(_ context.Context, deviceID int64) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]bool)
	for _, p := range m.props {
		if p.DevicePropertyID == nil {
			continue
		}
		if dp, ok := m.devProps[*p.DevicePropertyID]; ok && dp.DeviceID == deviceID {
			seen[p.InstanceID] = true
		}
	}
	out := make([]Instance, 0, len(seen))
	for id := range seen {
		if inst, ok := m.instances[id]; ok {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetInstanceActive records the liveness of an instance.
func (m *MemoryStore) SetInstanceActive(_ context.Context, id int64, active bool, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %d", ErrNotFound, id)
	}
	inst.Active = active
	t := checkedAt
	inst.LastStatusCheck = &t
	m.instances[id] = inst
	m.touch("instance", id)
	return nil
}

// Property retrieves a twin property by id.
func (m *MemoryStore) Property(_ context.Context, id int64) (Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.props[id]
	if !ok {
		return Property{}, fmt.Errorf("%w: property %d", ErrNotFound, id)
	}
	return p, nil
}

// SetPropertyValue stores a twin property value.
func (m *MemoryStore) SetPropertyValue(_ context.Context, id int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.props[id]
	if !ok {
		return fmt.Errorf("%w: property %d", ErrNotFound, id)
	}
	p.Value = value
	m.props[id] = p
	m.touch("property", id)
	return nil
}

// SwapPropertyValue stores value only while the property still holds old.
func (m *MemoryStore) SwapPropertyValue(_ context.Context, id int64, old, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.props[id]
	if !ok {
		return false, fmt.Errorf("%w: property %d", ErrNotFound, id)
	}
	if p.Value != old {
		return false, nil
	}
	p.Value = value
	m.props[id] = p
	m.touch("property", id)
	return true, nil
}

// PropertiesBoundTo returns the twin properties bound to a device property.
func (m *MemoryStore) PropertiesBoundTo(_ context.Context, devicePropertyID int64) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Property
	for _, p := range m.props {
		if p.DevicePropertyID != nil && *p.DevicePropertyID == devicePropertyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CausalProperties returns the causal, bound properties of the given
// instances, or of every instance when ids is empty.
func (m *MemoryStore) CausalProperties(_ context.Context, instanceIDs []int64) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		want[id] = true
	}
	var out []Property
	for _, p := range m.props {
		if !p.Causal || p.DevicePropertyID == nil {
			continue
		}
		if len(want) > 0 && !want[p.InstanceID] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateGateway inserts a gateway and sets its ID.
func (m *MemoryStore) CreateGateway(_ context.Context, g *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	m.gateways[g.ID] = *g
	return nil
}

// CreateDevice inserts a device and sets its ID.
func (m *MemoryStore) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gateways[d.GatewayID]; !ok {
		return fmt.Errorf("%w: gateway %d", ErrNotFound, d.GatewayID)
	}
	d.ID = m.id()
	m.devices[d.ID] = *d
	return nil
}

// CreateDeviceProperty inserts a device property and sets its ID.
func (m *MemoryStore) CreateDeviceProperty(_ context.Context, p *DeviceProperty) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[p.DeviceID]; !ok {
		return fmt.Errorf("%w: device %d", ErrNotFound, p.DeviceID)
	}
	p.ID = m.id()
	m.devProps[p.ID] = *p
	return nil
}

// CreateInstance inserts a twin instance and sets its ID.
func (m *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.ID = m.id()
	m.instances[inst.ID] = *inst
	return nil
}

// CreateProperty inserts a twin property and sets its ID.
// Returns ErrDuplicateBinding if the (instance, element) pair already exists.
func (m *MemoryStore) CreateProperty(_ context.Context, p *Property) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[p.InstanceID]; !ok {
		return fmt.Errorf("%w: instance %d", ErrNotFound, p.InstanceID)
	}
	for _, existing := range m.props {
		if existing.InstanceID == p.InstanceID && existing.ElementID == p.ElementID {
			return fmt.Errorf("%w: instance %d element %q", ErrDuplicateBinding, p.InstanceID, p.ElementID)
		}
	}
	p.ID = m.id()
	m.props[p.ID] = *p
	return nil
}
