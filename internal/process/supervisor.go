package process

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the current state of a supervised service.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// Supervisor errors.
var (
	ErrShutdown       = errors.New("process: supervisor is shut down")
	ErrAlreadyRunning = errors.New("process: service already running")
	ErrPanic          = errors.New("process: goroutine panicked")
)

// TaskFunc is the body of a task or service. It must return when ctx is done.
type TaskFunc func(ctx context.Context) error

// Config holds the restart policy of a supervised service.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// RestartOnFailure restarts the service when it returns an error or panics.
	// A service returning nil is considered finished.
	RestartOnFailure bool

	// RestartDelay is the time to wait before restarting after a failure.
	RestartDelay time.Duration

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// OnStop is called when the service stops for good.
	OnStop func(err error)

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int)
}

// Logger defines the logging interface for the supervisor.
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

type service struct {
	config       Config
	status       Status
	restartCount int
	lastError    error
	startTime    time.Time
}

// Supervisor tracks every goroutine it starts and joins them at shutdown.
//
// Thread Safety: safe for concurrent use.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu       sync.RWMutex
	services map[string]*service
	closed   bool
}

// NewSupervisor creates a supervisor whose goroutines stop when parent is
// cancelled or Shutdown is called. A nil logger discards output.
func NewSupervisor(parent context.Context, logger Logger) *Supervisor {
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		services: make(map[string]*service),
	}
}

// Context returns the context shared by every supervised goroutine.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go runs fn once on its own goroutine. It reports false when the
// supervisor is already shut down and fn was not started.
func (s *Supervisor) Go(name string, fn TaskFunc) bool {
	if !s.track() {
		return false
	}
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("task failed", "name", name, "error", err)
		}
	}()
	return true
}

// InFlight returns the number of tasks started with Go that have not finished.
func (s *Supervisor) InFlight() int {
	return int(s.inFlight.Load())
}

// Start runs a long-lived service under cfg's restart policy.
func (s *Supervisor) Start(cfg Config, fn TaskFunc) error {
	if cfg.Name == "" {
		return fmt.Errorf("process: service name is required")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if svc, ok := s.services[cfg.Name]; ok && svc.status == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.Name)
	}
	svc := &service{config: cfg, status: StatusRunning, startTime: time.Now()}
	s.services[cfg.Name] = svc
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("service started", "name", cfg.Name)
	go s.monitor(svc, fn)
	return nil
}

// monitor runs a service and handles restarts.
func (s *Supervisor) monitor(svc *service, fn TaskFunc) {
	defer s.wg.Done()
	cfg := svc.config

	for {
		err := s.call(cfg.Name, fn)

		if s.ctx.Err() != nil || err == nil {
			s.setStopped(svc, nil)
			s.logger.Info("service stopped", "name", cfg.Name)
			if cfg.OnStop != nil {
				cfg.OnStop(nil)
			}
			return
		}

		s.logger.Warn("service exited unexpectedly", "name", cfg.Name, "error", err)

		s.mu.Lock()
		svc.lastError = err
		svc.status = StatusFailed
		svc.restartCount++
		attempt := svc.restartCount
		s.mu.Unlock()

		if !cfg.RestartOnFailure {
			s.logger.Info("restart disabled, not restarting", "name", cfg.Name)
			if cfg.OnStop != nil {
				cfg.OnStop(err)
			}
			return
		}
		if cfg.MaxRestartAttempts > 0 && attempt > cfg.MaxRestartAttempts {
			s.logger.Error("max restart attempts reached", "name", cfg.Name, "attempts", attempt)
			if cfg.OnStop != nil {
				cfg.OnStop(err)
			}
			return
		}

		s.logger.Info("restarting service",
			"name", cfg.Name,
			"attempt", attempt,
			"delay", cfg.RestartDelay,
		)
		if cfg.OnRestart != nil {
			cfg.OnRestart(attempt)
		}

		t := time.NewTimer(cfg.RestartDelay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.setStopped(svc, err)
			if cfg.OnStop != nil {
				cfg.OnStop(err)
			}
			return
		case <-t.C:
		}

		s.mu.Lock()
		svc.status = StatusRunning
		svc.startTime = time.Now()
		s.mu.Unlock()
	}
}

func (s *Supervisor) setStopped(svc *service, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc.status = StatusStopped
	if err != nil {
		svc.lastError = err
	}
}

// call runs fn, converting a panic into an error wrapping ErrPanic.
func (s *Supervisor) call(name string, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("goroutine panic recovered",
				"name", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown cancels every goroutine and waits for them until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d tasks: %w", s.InFlight(), ctx.Err())
	}
}

// Wait blocks until every supervised goroutine has returned. It does not
// cancel them.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Status returns the status of a service, StatusStopped when unknown.
func (s *Supervisor) Status(name string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if svc, ok := s.services[name]; ok {
		return svc.status
	}
	return StatusStopped
}

// Stats describes one supervised service.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns statistics of every service, sorted by name.
func (s *Supervisor) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Stats, 0, len(s.services))
	for _, svc := range s.services {
		st := Stats{
			Name:         svc.config.Name,
			Status:       svc.status,
			RestartCount: svc.restartCount,
		}
		if svc.status == StatusRunning {
			st.Uptime = time.Since(svc.startTime)
		}
		if svc.lastError != nil {
			st.LastError = svc.lastError.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
