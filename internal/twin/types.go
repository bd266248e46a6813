package twin

import "time"

// ValueType is the declared type of a device or twin property.
type ValueType string

// Supported value types.
const (
	Boolean ValueType = "Boolean"
	Integer ValueType = "Integer"
	Double  ValueType = "Double"
	String  ValueType = "String"
)

// Valid reports whether t is one of the supported value types.
func (t ValueType) Valid() bool {
	switch t {
	case Boolean, Integer, Double, String:
		return true
	}
	return false
}

// Gateway is an IoT platform exposing login, RPC, attribute and telemetry endpoints.
type Gateway struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Device is a physical device reachable through a gateway.
//
// Active is written only by the liveness monitor.
type Device struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Identifier        string        `json:"identifier"` // gateway-scoped device id
	GatewayID         int64         `json:"gateway_id"`
	Type              string        `json:"type,omitempty"`
	Active            bool          `json:"active"`
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	LastTransitionAt  *time.Time    `json:"last_transition_at,omitempty"`
}

// DeviceProperty is the physical-side value as last confirmed by the device.
type DeviceProperty struct {
	ID          int64     `json:"id"`
	DeviceID    int64     `json:"device_id"`
	Name        string    `json:"name"`
	Type        ValueType `json:"type"`
	Value       string    `json:"value"`
	ReadMethod  string    `json:"read_method,omitempty"`
	WriteMethod string    `json:"write_method,omitempty"`
}

// Instance is a digital twin instance.
type Instance struct {
	ID              int64      `json:"id"`
	ModelName       string     `json:"model_name"`
	Active          bool       `json:"active"`
	LastStatusCheck *time.Time `json:"last_status_check,omitempty"`
}

// Property is a twin property. It mirrors its bound device property only
// when Causal is set.
type Property struct {
	ID               int64     `json:"id"`
	InstanceID       int64     `json:"instance_id"`
	ElementID        string    `json:"element_id"`
	Name             string    `json:"name"`
	Type             ValueType `json:"type"`
	Causal           bool      `json:"causal"`
	Value            string    `json:"value"`
	DevicePropertyID *int64    `json:"device_property_id,omitempty"`
}

// Bound reports whether the property has a device binding.
func (p Property) Bound() bool {
	return p.DevicePropertyID != nil
}
