// Package liveness polls the liveness attribute of every device and owns
// the Device.Active flag.
//
// Each poll cycle reads the attribute listing of all devices through the
// gateway status-poll class, with at most Concurrency reads in flight. A
// device whose reported state differs from its stored flag transitions:
// the flag and the dependent twin instances are updated once, and one
// device_availability sample records how long the previous state lasted.
// A failed read is recorded as a connection_error sample and leaves the
// flag untouched, so network faults never read as device inactivity.
//
// The telemetry listener consults Monitor.Active before mirroring values.
package liveness
