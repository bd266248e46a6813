package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultSupervisorInterval is the pause between two reconciliations.
const DefaultSupervisorInterval = 10 * time.Second

type task struct {
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor keeps one listener per device with a causal binding.
//
// Thread Safety: safe for concurrent use. Reconcile calls are serialized.
type Supervisor struct {
	deps     Deps
	cfg      Config
	interval time.Duration

	// base outlives individual Reconcile calls; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[int64]*task
}

// NewSupervisor creates a supervisor. A non-positive interval takes the default.
func NewSupervisor(deps Deps, cfg Config, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultSupervisorInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:     deps.withDefaults(),
		cfg:      cfg,
		interval: interval,
		base:     base,
		cancel:   cancel,
		tasks:    make(map[int64]*task),
	}
}

// Reconcile starts listeners for newly bound devices and stops, and awaits,
// listeners of devices that lost their last causal binding.
func (s *Supervisor) Reconcile(ctx context.Context) (started, stopped int, err error) {
	devices, err := s.deps.Store.BoundDevices(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing bound devices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return 0, 0, nil
	}

	want := make(map[int64]struct{}, len(devices))
	for _, d := range devices {
		want[d.ID] = struct{}{}
		if _, running := s.tasks[d.ID]; running {
			continue
		}
		s.start(NewListener(d, s.deps, s.cfg))
		started++
	}

	for id, t := range s.tasks {
		if _, ok := want[id]; ok {
			continue
		}
		t.cancel()
		<-t.done
		delete(s.tasks, id)
		stopped++
		s.deps.Logger.Info("telemetry listener stopped", "device_id", id)
	}
	return started, stopped, nil
}

// start launches l. Callers hold mu.
func (s *Supervisor) start(l *Listener) {
	ctx, cancel := context.WithCancel(s.base)
	t := &task{listener: l, cancel: cancel, done: make(chan struct{})}
	s.tasks[l.device.ID] = t

	go func() {
		defer close(t.done)
		_ = l.Run(ctx)
	}()
	s.deps.Logger.Info("telemetry listener started",
		"device_id", l.device.ID,
		"identifier", l.device.Identifier,
	)
}

// Run reconciles every interval until ctx is cancelled, then stops all listeners.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Stop()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.Warn("telemetry reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels every listener and waits for their sockets to close.
// The supervisor starts nothing afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	for id, t := range s.tasks {
		<-t.done
		delete(s.tasks, id)
	}
}

// Devices returns the ids of the devices with a running listener, ascending.
func (s *Supervisor) Devices() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
