package twin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists entity records in the shared SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open database that has the
// entity-store migrations applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const (
	deviceColumns   = `id, name, identifier, gateway_id, type, active, inactivity_timeout_ms, last_transition_at`
	devPropColumns  = `id, device_id, name, type, value, read_method, write_method`
	propertyColumns = `id, instance_id, element_id, name, type, causal, value, device_property_id`
)

// Gateway retrieves a gateway by id.
func (s *SQLiteStore) Gateway(ctx context.Context, id int64) (Gateway, error) {
	var g Gateway
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, username, password FROM gateways WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.URL, &g.Username, &g.Password)
	if err != nil {
		return Gateway{}, notFound(err, "gateway", id)
	}
	return g, nil
}

// Device retrieves a device by id.
func (s *SQLiteStore) Device(ctx context.Context, id int64) (Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return Device{}, notFound(err, "device", id)
	}
	return d, nil
}

// ListDevices returns every device ordered by id.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
}

// BoundDevices returns the devices with at least one causal twin property bound
// to one of their properties.
func (s *SQLiteStore) BoundDevices(ctx context.Context) ([]Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+prefixColumns("d", deviceColumns)+`
		FROM devices d
		WHERE EXISTS (
			SELECT 1 FROM device_properties dp
			JOIN twin_properties tp ON tp.device_property_id = dp.id
			WHERE dp.device_id = d.id AND tp.causal = 1
		)
		ORDER BY d.id`)
}

// SetDeviceActive records a liveness transition.
func (s *SQLiteStore) SetDeviceActive(ctx context.Context, id int64, active bool, at time.Time) error {
	return s.execOne(ctx, "device", id,
		`UPDATE devices SET active = ?, last_transition_at = ? WHERE id = ?`,
		active, formatTime(at), id)
}

// DeviceProperty retrieves a device property by id.
func (s *SQLiteStore) DeviceProperty(ctx context.Context, id int64) (DeviceProperty, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+devPropColumns+` FROM device_properties WHERE id = ?`, id)
	p, err := scanDeviceProperty(row)
	if err != nil {
		return DeviceProperty{}, notFound(err, "device property", id)
	}
	return p, nil
}

// DevicePropertyByName retrieves a device property by its telemetry key.
func (s *SQLiteStore) DevicePropertyByName(ctx context.Context, deviceID int64, name string) (DeviceProperty, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+devPropColumns+` FROM device_properties WHERE device_id = ? AND name = ?`, deviceID, name)
	p, err := scanDeviceProperty(row)
	if err != nil {
		return DeviceProperty{}, notFound(err, "device property", name)
	}
	return p, nil
}

// SetDevicePropertyValue stores a device property value.
func (s *SQLiteStore) SetDevicePropertyValue(ctx context.Context, id int64, value string) error {
	return s.execOne(ctx, "device property", id,
		`UPDATE device_properties SET value = ? WHERE id = ?`, value, id)
}

// Instance retrieves a twin instance by id.
func (s *SQLiteStore) Instance(ctx context.Context, id int64) (Instance, error) {
	var (
		inst    Instance
		checked sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_name, active, last_status_check FROM twin_instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.ModelName, &inst.Active, &checked)
	if err != nil {
		return Instance{}, notFound(err, "instance", id)
	}
	inst.LastStatusCheck = parseTime(checked)
	return inst, nil
}

// InstancesForDevice returns the instances with at least one property bound
// to a property of the device.
func (s *SQLiteStore) InstancesForDevice(ctx context.Context, deviceID int64) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ti.id, ti.model_name, ti.active, ti.last_status_check
		FROM twin_instances ti
		JOIN twin_properties tp ON tp.instance_id = ti.id
		JOIN device_properties dp ON dp.id = tp.device_property_id
		WHERE dp.device_id = ?
		ORDER BY ti.id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying instances for device: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var (
			inst    Instance
			checked sql.NullString
		)
		if err := rows.Scan(&inst.ID, &inst.ModelName, &inst.Active, &checked); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		inst.LastStatusCheck = parseTime(checked)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetInstanceActive records the liveness of an instance and when it was checked.
func (s *SQLiteStore) SetInstanceActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error {
	return s.execOne(ctx, "instance", id,
		`UPDATE twin_instances SET active = ?, last_status_check = ? WHERE id = ?`,
		active, formatTime(checkedAt), id)
}

// Property retrieves a twin property by id.
func (s *SQLiteStore) Property(ctx context.Context, id int64) (Property, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM twin_properties WHERE id = ?`, id)
	p, err := scanProperty(row)
	if err != nil {
		return Property{}, notFound(err, "property", id)
	}
	return p, nil
}

// SetPropertyValue stores a twin property value.
func (s *SQLiteStore) SetPropertyValue(ctx context.Context, id int64, value string) error {
	return s.execOne(ctx, "property", id,
		`UPDATE twin_properties SET value = ? WHERE id = ?`, value, id)
}

// SwapPropertyValue stores value only while the property still holds old.
// It reports whether the value was replaced.
func (s *SQLiteStore) SwapPropertyValue(ctx context.Context, id int64, old, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE twin_properties SET value = ? WHERE id = ? AND value = ?`, value, id, old)
	if err != nil {
		return false, fmt.Errorf("updating property: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.Property(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// PropertiesBoundTo returns the twin properties bound to a device property.
func (s *SQLiteStore) PropertiesBoundTo(ctx context.Context, devicePropertyID int64) ([]Property, error) {
	return s.queryProperties(ctx,
		`SELECT `+propertyColumns+` FROM twin_properties WHERE device_property_id = ? ORDER BY id`,
		devicePropertyID)
}

// CausalProperties returns the causal, bound twin properties of the given
// instances, or of every instance when ids is empty.
func (s *SQLiteStore) CausalProperties(ctx context.Context, instanceIDs []int64) ([]Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM twin_properties
		WHERE causal = 1 AND device_property_id IS NOT NULL`
	args := make([]any, 0, len(instanceIDs))
	if len(instanceIDs) > 0 {
		query += ` AND instance_id IN (?` + strings.Repeat(",?", len(instanceIDs)-1) + `)`
		for _, id := range instanceIDs {
			args = append(args, id)
		}
	}
	return s.queryProperties(ctx, query+` ORDER BY id`, args...)
}

// CreateGateway inserts a gateway and sets its ID.
func (s *SQLiteStore) CreateGateway(ctx context.Context, g *Gateway) error {
	return s.insert(ctx, &g.ID,
		`INSERT INTO gateways (name, url, username, password) VALUES (?, ?, ?, ?)`,
		g.Name, g.URL, g.Username, g.Password)
}

// CreateDevice inserts a device and sets its ID.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	var last any
	if d.LastTransitionAt != nil {
		last = formatTime(*d.LastTransitionAt)
	}
	return s.insert(ctx, &d.ID, `
		INSERT INTO devices (name, identifier, gateway_id, type, active, inactivity_timeout_ms, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Identifier, d.GatewayID, d.Type, d.Active, d.InactivityTimeout.Milliseconds(), last)
}

// CreateDeviceProperty inserts a device property and sets its ID.
func (s *SQLiteStore) CreateDeviceProperty(ctx context.Context, p *DeviceProperty) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	return s.insert(ctx, &p.ID, `
		INSERT INTO device_properties (device_id, name, type, value, read_method, write_method)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.Name, string(p.Type), p.Value, p.ReadMethod, p.WriteMethod)
}

// CreateInstance inserts a twin instance and sets its ID.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	return s.insert(ctx, &inst.ID,
		`INSERT INTO twin_instances (model_name, active) VALUES (?, ?)`,
		inst.ModelName, inst.Active)
}

// CreateProperty inserts a twin property and sets its ID.
// Returns ErrDuplicateBinding if the (instance, element) pair already exists.
func (s *SQLiteStore) CreateProperty(ctx context.Context, p *Property) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	err := s.insert(ctx, &p.ID, `
		INSERT INTO twin_properties (instance_id, element_id, name, type, causal, value, device_property_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.InstanceID, p.ElementID, p.Name, string(p.Type), p.Causal, p.Value, p.DevicePropertyID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: instance %d element %q", ErrDuplicateBinding, p.InstanceID, p.ElementID)
	}
	return err
}

func (s *SQLiteStore) insert(ctx context.Context, id *int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("inserting: %w", err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading insert id: %w", err)
	}
	*id = n
	return nil
}

func (s *SQLiteStore) execOne(ctx context.Context, kind string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return nil
}

func (s *SQLiteStore) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryProperties(ctx context.Context, query string, args ...any) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var out []Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (Device, error) {
	var (
		d         Device
		timeoutMS int64
		last      sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Identifier, &d.GatewayID, &d.Type,
		&d.Active, &timeoutMS, &last); err != nil {
		return Device{}, err
	}
	d.InactivityTimeout = time.Duration(timeoutMS) * time.Millisecond
	d.LastTransitionAt = parseTime(last)
	return d, nil
}

func scanDeviceProperty(row scanner) (DeviceProperty, error) {
	var (
		p   DeviceProperty
		typ string
	)
	if err := row.Scan(&p.ID, &p.DeviceID, &p.Name, &typ, &p.Value, &p.ReadMethod, &p.WriteMethod); err != nil {
		return DeviceProperty{}, err
	}
	p.Type = ValueType(typ)
	return p, nil
}

func scanProperty(row scanner) (Property, error) {
	var (
		p     Property
		typ   string
		bound sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.InstanceID, &p.ElementID, &p.Name, &typ,
		&p.Causal, &p.Value, &bound); err != nil {
		return Property{}, err
	}
	p.Type = ValueType(typ)
	if bound.Valid {
		id := bound.Int64
		p.DevicePropertyID = &id
	}
	return p, nil
}

func notFound(err error, kind string, key any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, kind, key)
	}
	return fmt.Errorf("querying %s: %w", kind, err)
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
