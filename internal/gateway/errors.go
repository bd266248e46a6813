package gateway

import (
	"errors"
	"fmt"
)

// Domain errors for the gateway package.
//
// They follow the failure taxonomy of the engine: AuthError, TransportError
// and ProtocolError. Check them with errors.Is.
var (
	// ErrAuth is returned when a login call fails.
	ErrAuth = errors.New("gateway: authentication failed")

	// ErrAuthBackoff is returned while a gateway is inside its login backoff window.
	ErrAuthBackoff = errors.New("gateway: login backing off")

	// ErrTimeout is returned when a call exceeds its timeout class.
	ErrTimeout = errors.New("gateway: timeout")

	// ErrTransport is returned when the connection to the gateway fails.
	ErrTransport = errors.New("gateway: transport error")

	// ErrProtocol is returned for non-2xx responses and malformed payloads.
	ErrProtocol = errors.New("gateway: protocol error")
)

// HTTPError carries the status of a rejected call. It matches ErrProtocol.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway: http status %d", e.Status)
	}
	return fmt.Sprintf("gateway: http status %d: %s", e.Status, e.Body)
}

// Is reports ErrProtocol as a match.
func (e *HTTPError) Is(target error) bool {
	return target == ErrProtocol
}
