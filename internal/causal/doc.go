// Package causal keeps causal twin properties and their bound device
// properties consistent.
//
// A write to a causal, bound property is applied to the twin optimistically,
// sent to the device through its write RPC and then reconciled: on success
// both sides take the value echoed by the device, on failure the twin
// reverts to its previous value unless the value changed meanwhile.
// Non-causal and unbound properties are stored without any RPC. Refresh
// reads a bound property back through its read RPC.
//
// Writes run in one of two modes:
//
//   - Blocking waits for the device and returns the reconciled Outcome.
//   - FireAndForget returns once the optimistic value is stored and
//     reconciles on the task supervisor.
//
// Writes to the same property are serialized. A fire-and-forget write that
// finds its property busy is parked instead, and the latest parked value is
// propagated when the property frees up. Every reconciliation produces
// an Event for the configured EventPublisher; MQTTPublisher publishes them
// on middts/sync/{instance}/{property}/{outcome}.
//
// Driver issues random fire-and-forget writes to the causal properties of a
// set of instances, the load generator used for latency experiments.
package causal
