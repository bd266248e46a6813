package twin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middts/middts-core/internal/infrastructure/database"
	"github.com/middts/middts-core/internal/twin"
	"github.com/middts/middts-core/migrations"
)

// store is the method set shared by SQLiteStore and MemoryStore.
type store interface {
	Gateway(ctx context.Context, id int64) (twin.Gateway, error)
	Device(ctx context.Context, id int64) (twin.Device, error)
	ListDevices(ctx context.Context) ([]twin.Device, error)
	BoundDevices(ctx context.Context) ([]twin.Device, error)
	SetDeviceActive(ctx context.Context, id int64, active bool, at time.Time) error
	DeviceProperty(ctx context.Context, id int64) (twin.DeviceProperty, error)
	DevicePropertyByName(ctx context.Context, deviceID int64, name string) (twin.DeviceProperty, error)
	SetDevicePropertyValue(ctx context.Context, id int64, value string) error
	Instance(ctx context.Context, id int64) (twin.Instance, error)
	InstancesForDevice(ctx context.Context, deviceID int64) ([]twin.Instance, error)
	SetInstanceActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error
	Property(ctx context.Context, id int64) (twin.Property, error)
	SetPropertyValue(ctx context.Context, id int64, value string) error
	SwapPropertyValue(ctx context.Context, id int64, old, value string) (bool, error)
	PropertiesBoundTo(ctx context.Context, devicePropertyID int64) ([]twin.Property, error)
	CausalProperties(ctx context.Context, instanceIDs []int64) ([]twin.Property, error)
	CreateGateway(ctx context.Context, g *twin.Gateway) error
	CreateDevice(ctx context.Context, d *twin.Device) error
	CreateDeviceProperty(ctx context.Context, p *twin.DeviceProperty) error
	CreateInstance(ctx context.Context, inst *twin.Instance) error
	CreateProperty(ctx context.Context, p *twin.Property) error
}

var (
	_ store = (*twin.SQLiteStore)(nil)
	_ store = (*twin.MemoryStore)(nil)
)

func newSQLiteStore(t *testing.T) store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx, migrations.FS))
	return twin.NewSQLiteStore(db.DB)
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, twin.NewMemoryStore()) })
}

type fixture struct {
	gateway   twin.Gateway
	lamp      twin.Device
	sensor    twin.Device
	lampOn    twin.DeviceProperty
	sensorT   twin.DeviceProperty
	instance  twin.Instance
	causal    twin.Property
	nonCausal twin.Property
}

func seed(t *testing.T, s store) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture

	f.gateway = twin.Gateway{Name: "tb", URL: "http://tb.local", Username: "u", Password: "p"}
	require.NoError(t, s.CreateGateway(ctx, &f.gateway))

	f.lamp = twin.Device{Name: "lamp", Identifier: "dev-lamp", GatewayID: f.gateway.ID, InactivityTimeout: 30 * time.Second}
	require.NoError(t, s.CreateDevice(ctx, &f.lamp))
	f.sensor = twin.Device{Name: "sensor", Identifier: "dev-sensor", GatewayID: f.gateway.ID}
	require.NoError(t, s.CreateDevice(ctx, &f.sensor))

	f.lampOn = twin.DeviceProperty{DeviceID: f.lamp.ID, Name: "status", Type: twin.Boolean, Value: "false", WriteMethod: "switchLed"}
	require.NoError(t, s.CreateDeviceProperty(ctx, &f.lampOn))
	f.sensorT = twin.DeviceProperty{DeviceID: f.sensor.ID, Name: "temperature", Type: twin.Double}
	require.NoError(t, s.CreateDeviceProperty(ctx, &f.sensorT))

	f.instance = twin.Instance{ModelName: "Lamp"}
	require.NoError(t, s.CreateInstance(ctx, &f.instance))

	f.causal = twin.Property{InstanceID: f.instance.ID, ElementID: "dtmi:lamp;1:on", Name: "on", Type: twin.Boolean, Causal: true, DevicePropertyID: &f.lampOn.ID}
	require.NoError(t, s.CreateProperty(ctx, &f.causal))
	f.nonCausal = twin.Property{InstanceID: f.instance.ID, ElementID: "dtmi:lamp;1:temp", Name: "temp", Type: twin.Double, DevicePropertyID: &f.sensorT.ID}
	require.NoError(t, s.CreateProperty(ctx, &f.nonCausal))
	return f
}

func TestStore_Lookups(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		f := seed(t, s)

		g, err := s.Gateway(ctx, f.gateway.ID)
		require.NoError(t, err)
		assert.Equal(t, "http://tb.local", g.URL)

		d, err := s.Device(ctx, f.lamp.ID)
		require.NoError(t, err)
		assert.Equal(t, "dev-lamp", d.Identifier)
		assert.Equal(t, 30*time.Second, d.InactivityTimeout)
		assert.False(t, d.Active)

		dp, err := s.DevicePropertyByName(ctx, f.lamp.ID, "status")
		require.NoError(t, err)
		assert.Equal(t, f.lampOn.ID, dp.ID)
		assert.Equal(t, "switchLed", dp.WriteMethod)

		p, err := s.Property(ctx, f.causal.ID)
		require.NoError(t, err)
		assert.True(t, p.Causal)
		require.True(t, p.Bound())
		assert.Equal(t, f.lampOn.ID, *p.DevicePropertyID)

		_, err = s.Device(ctx, 9999)
		assert.ErrorIs(t, err, twin.ErrNotFound)
		_, err = s.DevicePropertyByName(ctx, f.lamp.ID, "missing")
		assert.ErrorIs(t, err, twin.ErrNotFound)
	})
}

func TestStore_BoundDevicesOnlyCausal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		f := seed(t, s)

		devices, err := s.BoundDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, f.lamp.ID, devices[0].ID)

		all, err := s.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStore_Updates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		f := seed(t, s)
		now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.SetDeviceActive(ctx, f.lamp.ID, true, now))
		d, err := s.Device(ctx, f.lamp.ID)
		require.NoError(t, err)
		assert.True(t, d.Active)
		require.NotNil(t, d.LastTransitionAt)
		assert.True(t, d.LastTransitionAt.Equal(now))

		require.NoError(t, s.SetDevicePropertyValue(ctx, f.lampOn.ID, "true"))
		dp, err := s.DeviceProperty(ctx, f.lampOn.ID)
		require.NoError(t, err)
		assert.Equal(t, "true", dp.Value)

		require.NoError(t, s.SetPropertyValue(ctx, f.causal.ID, "true"))
		p, err := s.Property(ctx, f.causal.ID)
		require.NoError(t, err)
		assert.Equal(t, "true", p.Value)

		require.NoError(t, s.SetInstanceActive(ctx, f.instance.ID, true, now))
		inst, err := s.Instance(ctx, f.instance.ID)
		require.NoError(t, err)
		assert.True(t, inst.Active)
		require.NotNil(t, inst.LastStatusCheck)

		assert.ErrorIs(t, s.SetPropertyValue(ctx, 9999, "x"), twin.ErrNotFound)
	})
}

func TestStore_SwapPropertyValue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		f := seed(t, s)
		require.NoError(t, s.SetPropertyValue(ctx, f.causal.ID, "true"))

		swapped, err := s.SwapPropertyValue(ctx, f.causal.ID, "false", "x")
		require.NoError(t, err)
		assert.False(t, swapped)
		p, err := s.Property(ctx, f.causal.ID)
		require.NoError(t, err)
		assert.Equal(t, "true", p.Value)

		swapped, err = s.SwapPropertyValue(ctx, f.causal.ID, "true", "false")
		require.NoError(t, err)
		assert.True(t, swapped)
		p, err = s.Property(ctx, f.causal.ID)
		require.NoError(t, err)
		assert.Equal(t, "false", p.Value)

		_, err = s.SwapPropertyValue(ctx, 9999, "", "x")
		assert.ErrorIs(t, err, twin.ErrNotFound)
	})
}

func TestStore_Relations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		f := seed(t, s)

		insts, err := s.InstancesForDevice(ctx, f.lamp.ID)
		require.NoError(t, err)
		require.Len(t, insts, 1)
		assert.Equal(t, f.instance.ID, insts[0].ID)

		bound, err := s.PropertiesBoundTo(ctx, f.sensorT.ID)
		require.NoError(t, err)
		require.Len(t, bound, 1)
		assert.Equal(t, f.nonCausal.ID, bound[0].ID)

		causal, err := s.CausalProperties(ctx, nil)
		require.NoError(t, err)
		require.Len(t, causal, 1)
		assert.Equal(t, f.causal.ID, causal[0].ID)

		causal, err = s.CausalProperties(ctx, []int64{f.instance.ID + 100})
		require.NoError(t, err)
		assert.Empty(t, causal)
	})
}

func TestStore_DuplicateBinding(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		f := seed(t, s)
		dup := twin.Property{InstanceID: f.instance.ID, ElementID: f.causal.ElementID, Name: "on2", Type: twin.Boolean}
		err := s.CreateProperty(context.Background(), &dup)
		assert.ErrorIs(t, err, twin.ErrDuplicateBinding)
	})
}

func TestStore_InvalidType(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		f := seed(t, s)
		bad := twin.DeviceProperty{DeviceID: f.lamp.ID, Name: "blob", Type: "Blob"}
		assert.ErrorIs(t, s.CreateDeviceProperty(context.Background(), &bad), twin.ErrInvalidType)
	})
}

func TestMemoryStore_WriteCount(t *testing.T) {
	s := twin.NewMemoryStore()
	f := seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetDeviceActive(ctx, f.lamp.ID, true, time.Now()))
	require.NoError(t, s.SetDeviceActive(ctx, f.lamp.ID, false, time.Now()))
	assert.Equal(t, 2, s.WriteCount("device", f.lamp.ID))
	assert.Equal(t, 0, s.WriteCount("device", f.sensor.ID))
}
