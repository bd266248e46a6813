// Package metrics formats latency and availability samples as line protocol
// and ships them to a time-series sink.
//
// Two timestamp semantics are recorded: sent_timestamp when the engine issues
// a device-bound write and received_timestamp when inbound telemetry arrives.
// Round-trip latency is computed downstream from the pair.
//
// Numeric and boolean fields are always rendered as decimal floats so a field
// never changes type at the sink between samples:
//
//	device_data,sensor=d1,source=middts status=1.0,received_timestamp=1000.0 1000
//
// Emission is fire-and-forget. A sink failure is logged and never reaches
// the caller.
package metrics
