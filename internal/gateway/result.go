package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultKind tags the outcome of a gateway call.
type ResultKind int

// Result kinds.
const (
	KindOK ResultKind = iota
	KindTimeout
	KindTransport
	KindHTTP
	KindAuth
)

// String returns the kind name used in logs.
func (k ResultKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport_error"
	case KindHTTP:
		return "http_error"
	case KindAuth:
		return "auth_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of a two-way RPC call.
//
// KindOK carries the device echo, which may differ from the requested value.
// Optimistic results were synthesized after an ultra-low-latency write got
// no answer and carry no echo. KindHTTP carries the status. Every other kind
// carries the underlying error in Err.
type Result struct {
	Kind       ResultKind
	Echo       json.RawMessage
	Optimistic bool
	Status     int
	Err        error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Kind == KindOK
}

// Error returns nil for KindOK and a typed error for every failure kind.
func (r Result) Error() error {
	switch r.Kind {
	case KindOK:
		return nil
	case KindHTTP:
		if r.Err != nil {
			return r.Err
		}
		return &HTTPError{Status: r.Status}
	default:
		if r.Err != nil {
			return r.Err
		}
		return fmt.Errorf("gateway: %s", r.Kind)
	}
}

// resultFromError maps a pool error onto a Result.
func resultFromError(err error) Result {
	switch {
	case errors.Is(err, ErrTimeout):
		return Result{Kind: KindTimeout, Err: err}
	case errors.Is(err, ErrAuth), errors.Is(err, ErrAuthBackoff):
		return Result{Kind: KindAuth, Err: err}
	default:
		return Result{Kind: KindTransport, Err: err}
	}
}
