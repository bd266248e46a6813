package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/middts/middts-core/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Sink queues latency and availability samples on the InfluxDB v2 batching
// write API with millisecond precision, the resolution the emitter stamps.
//
// Thread Safety: safe for concurrent use.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPI
	closed atomic.Bool

	mu      sync.Mutex
	onError func(err error)

	// forwarded is closed once the write API error channel is drained.
	forwarded chan struct{}
}

// Open connects to cfg.URL and returns a sink writing to cfg.Bucket of
// cfg.Org. The server must answer a ping before ctx expires.
func Open(ctx context.Context, cfg config.InfluxDBConfig) (*Sink, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	}

	s := &Sink{
		client:    client,
		writer:    client.WriteAPI(cfg.Org, cfg.Bucket),
		forwarded: make(chan struct{}),
	}
	go s.forwardErrors(s.writer.Errors())
	return s, nil
}

// writeOptions maps the batch settings of cfg onto client options. The
// flush interval is configured in seconds and the client counts milliseconds.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) // #nosec G115 -- checked positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())). // #nosec G115 -- positive duration
		SetPrecision(time.Millisecond)
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ping answered unhealthy")
	}
	return nil
}

// forwardErrors hands asynchronous batch failures to the OnError callback.
// The channel closes when the client is closed.
func (s *Sink) forwardErrors(errs <-chan error) {
	defer close(s.forwarded)
	for err := range errs {
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// OnError registers the callback for failed batch writes.
func (s *Sink) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// HealthCheck pings the server. It fails with ErrClosed after Close.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, s.client); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

// Close writes the queued samples and releases the client. It is safe to
// call more than once.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writer.Flush()
	s.client.Close()
	<-s.forwarded
	return nil
}
