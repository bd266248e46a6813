// Package telemetry ingests device telemetry over gateway websockets.
//
// A Listener holds one websocket subscription for one device and processes
// its frames strictly in arrival order. Values reach the entity store only
// while the liveness monitor reports the device active; each accepted value
// updates the device property and is mirrored into every causal twin
// property bound to it. Non-causal bindings are left alone.
//
// The Supervisor keeps exactly one Listener per device that has at least one
// causal binding. Reconcile is idempotent: a second run with an unchanged
// store starts and stops nothing.
package telemetry
