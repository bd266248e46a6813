package causal

import "errors"

// Domain errors for the causal package.
var (
	// ErrRejected is returned when a causal write was refused, either before
	// the RPC (coercion) or by the gateway.
	ErrRejected = errors.New("causal: write rejected")

	// ErrNoWriteMethod is returned for a bound device property without a
	// write RPC method. It is always wrapped together with ErrRejected.
	ErrNoWriteMethod = errors.New("causal: device property has no write method")

	// ErrNoReadMethod is returned by Refresh for a device property without a
	// read RPC method.
	ErrNoReadMethod = errors.New("causal: device property has no read method")

	// ErrUnbound is returned by Refresh for a property that is not bound to
	// a device property.
	ErrUnbound = errors.New("causal: property is not bound to a device")

	// ErrReadFailed is returned by Refresh when the device did not answer
	// the read RPC with a usable value.
	ErrReadFailed = errors.New("causal: device read failed")

	// ErrShutdown is returned by fire-and-forget writes after the task
	// supervisor stopped accepting work.
	ErrShutdown = errors.New("causal: shutting down")
)
