// Package gateway talks to ThingsBoard-like IoT gateways.
//
// It has three parts:
//
//   - AuthClient obtains and caches bearer tokens per gateway, with capped
//     exponential backoff on login failure.
//   - Pool keeps one keep-alive HTTP client per gateway and applies the
//     timeout class chosen by the caller (status poll, best-effort write,
//     ultra-low-latency write).
//   - Client issues two-way RPC calls and attribute reads and returns
//     a tagged Result instead of raw responses.
//
// Token cache and pool are registries keyed by gateway id. The create path
// is guarded by a mutex, steady-state reads are lock-free.
package gateway

// Logger is the logging surface used by this package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
