// Package twin holds the entity records the synchronization engine works on
// and the stores that persist them.
//
// Gateways, devices, device properties, twin instances and twin properties
// are created by the entity-management layer. The engine only reads them and
// writes property values and liveness flags back. Two stores are provided:
// SQLiteStore for production and MemoryStore for tests and dry runs. Both
// satisfy every store interface declared by the engine packages.
//
// Values are stored as canonical strings. Coerce converts caller input to a
// typed value and Format renders the canonical form:
//
//	v, err := twin.Coerce(twin.Boolean, "True") // true
//	s := twin.Format(v)                         // "true"
package twin
