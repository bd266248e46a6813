// Package api implements the ops HTTP surface of the middts core.
//
// Endpoints, all under /api/v1:
//
//	GET /health                    liveness of the process, MQTT and database
//	GET /metrics                   runtime, task and connection statistics
//	GET /listeners                 devices with a running telemetry listener
//	GET /events                    recorded sync events, most recent first
//	GET /properties/{id}/state     twin property value and sync state
//	PUT /properties/{id}/value     write a twin property through causal.Sync
//	POST /properties/{id}/refresh  read a bound property back from its device
//	GET /properties/{id}/events    recorded sync events of one property
//
// A write body is {"value": <scalar>, "mode": "blocking"|"fire_and_forget"}.
// Blocking writes answer 200 with the reconciled outcome or 409 when the
// device refused the value. Fire-and-forget writes answer 202 while the
// property is still propagating. A refresh answers 200 with the stored
// outcome, 409 when the property cannot be read and 502 when the device
// read failed.
//
// The middleware stack assigns request IDs, logs requests, recovers panics
// and caps request bodies.
package api
