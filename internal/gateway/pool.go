package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// TimeoutClass selects the timeout and retry policy of a call.
type TimeoutClass int

// Timeout classes.
const (
	// StatusPoll is used for liveness polls and read RPCs.
	StatusPoll TimeoutClass = iota

	// BestEffortWrite is used for blocking causal writes.
	BestEffortWrite

	// UltraLowLatencyWrite is used by high-frequency periodic writers.
	// It never blocks the caller beyond its overall deadline and falls back
	// to an optimistic success when both attempts fail.
	UltraLowLatencyWrite
)

// String returns the class name used in logs.
func (c TimeoutClass) String() string {
	switch c {
	case StatusPoll:
		return "status_poll"
	case BestEffortWrite:
		return "best_effort_write"
	case UltraLowLatencyWrite:
		return "ultra_low_latency_write"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Policy describes how a timeout class issues a call.
type Policy struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first.
	Retries int

	// RetryBackoff is the pause before each retry.
	RetryBackoff time.Duration

	// Deadline bounds all attempts together. Zero means no overall deadline.
	Deadline time.Duration

	// RetryAnyFailure retries on timeouts and transport errors as well as
	// 502/503/504. Otherwise only those statuses are retried.
	RetryAnyFailure bool

	// Optimistic synthesizes a success response when every attempt failed.
	Optimistic bool
}

// PoolConfig holds the timeouts of each class and the per-gateway connection cap.
type PoolConfig struct {
	StatusPollTimeout      time.Duration
	BestEffortWriteTimeout time.Duration
	UltraLowLatencyTimeout time.Duration
	MaxConnsPerGateway     int
}

// Pool defaults.
const (
	defaultStatusPollTimeout      = 3 * time.Second
	defaultBestEffortWriteTimeout = 7 * time.Second
	defaultUltraLowLatencyTimeout = 80 * time.Millisecond
	defaultMaxConnsPerGateway     = 8

	// statusRetries applies to status polls and best-effort writes.
	statusRetries = 2

	// ultraLowLatencyDeadline bounds both attempts of an ultra-low-latency write.
	ultraLowLatencyDeadline = 200 * time.Millisecond

	idleConnTimeout = 90 * time.Second

	// maxResponseBytes caps response bodies read from a gateway.
	maxResponseBytes = 1 << 20
)

// Request is a single gateway call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Token  string
}

// Response is a gateway answer. Optimistic responses were synthesized by the
// pool and carry no body.
type Response struct {
	Status     int
	Body       []byte
	Optimistic bool
	Attempts   int
}

// Pool keeps one keep-alive HTTP client per gateway.
//
// Thread Safety: safe for concurrent use. Clients are created under mu and
// read from a sync.Map afterwards.
type Pool struct {
	policies map[TimeoutClass]Policy
	maxConns int

	mu      sync.Mutex
	clients sync.Map // int64 -> *http.Client

	// newTransport builds the transport of a new client; tests replace it.
	newTransport func() http.RoundTripper
}

// NewPool creates a pool. Zero config values take the package defaults.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.StatusPollTimeout <= 0 {
		cfg.StatusPollTimeout = defaultStatusPollTimeout
	}
	if cfg.BestEffortWriteTimeout <= 0 {
		cfg.BestEffortWriteTimeout = defaultBestEffortWriteTimeout
	}
	if cfg.UltraLowLatencyTimeout <= 0 {
		cfg.UltraLowLatencyTimeout = defaultUltraLowLatencyTimeout
	}
	if cfg.MaxConnsPerGateway <= 0 {
		cfg.MaxConnsPerGateway = defaultMaxConnsPerGateway
	}

	p := &Pool{
		maxConns: cfg.MaxConnsPerGateway,
		policies: map[TimeoutClass]Policy{
			StatusPoll: {
				Timeout:      cfg.StatusPollTimeout,
				Retries:      statusRetries,
				RetryBackoff: 100 * time.Millisecond,
			},
			BestEffortWrite: {
				Timeout:      cfg.BestEffortWriteTimeout,
				Retries:      statusRetries,
				RetryBackoff: 250 * time.Millisecond,
			},
			UltraLowLatencyWrite: {
				Timeout:         cfg.UltraLowLatencyTimeout,
				Retries:         1,
				RetryBackoff:    10 * time.Millisecond,
				Deadline:        ultraLowLatencyDeadline,
				RetryAnyFailure: true,
				Optimistic:      true,
			},
		},
	}
	p.newTransport = p.defaultTransport
	return p
}

// Policy returns the policy of a timeout class.
func (p *Pool) Policy(class TimeoutClass) Policy {
	if pol, ok := p.policies[class]; ok {
		return pol
	}
	return p.policies[StatusPoll]
}

// Client returns the HTTP client of a gateway, creating it on first use.
func (p *Pool) Client(gatewayID int64) *http.Client {
	if c, ok := p.clients.Load(gatewayID); ok {
		return c.(*http.Client)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients.Load(gatewayID); ok {
		return c.(*http.Client)
	}
	c := &http.Client{Transport: p.newTransport()}
	p.clients.Store(gatewayID, c)
	return c
}

// Close releases idle connections of every pooled client.
func (p *Pool) Close() {
	p.clients.Range(func(_, v any) bool {
		v.(*http.Client).CloseIdleConnections()
		return true
	})
}

func (p *Pool) defaultTransport() http.RoundTripper {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        p.maxConns,
		MaxIdleConnsPerHost: p.maxConns,
		MaxConnsPerHost:     p.maxConns,
		IdleConnTimeout:     idleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	// HTTPS gateways negotiate HTTP/2 and multiplex on one connection.
	_ = http2.ConfigureTransport(t) //nolint:errcheck // only fails when already configured
	return t
}

// Do issues req under the policy of class.
//
// It returns a Response for every HTTP answer, whatever its status, and an
// error wrapping ErrTimeout or ErrTransport when no answer arrived. Calling
// Do without a token is a programming error and panics.
func (p *Pool) Do(ctx context.Context, gatewayID int64, class TimeoutClass, req Request) (*Response, error) {
	if req.Token == "" {
		panic("gateway: request issued without a resolved token")
	}
	return p.do(ctx, gatewayID, class, req)
}

// do is Do without the token contract; login requests use it.
func (p *Pool) do(ctx context.Context, gatewayID int64, class TimeoutClass, req Request) (*Response, error) {
	pol := p.Policy(class)
	client := p.Client(gatewayID)

	if pol.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pol.Deadline)
		defer cancel()
	}

	var (
		lastResp *Response
		lastErr  error
	)
	for attempt := 0; attempt <= pol.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, pol.RetryBackoff); err != nil {
				break
			}
		}

		resp, err := p.attempt(ctx, client, pol.Timeout, req)
		if err == nil {
			resp.Attempts = attempt + 1
			if !retryableStatus(resp.Status) {
				return resp, nil
			}
			lastResp, lastErr = resp, nil
			continue
		}

		lastResp, lastErr = nil, err
		if !pol.RetryAnyFailure || ctx.Err() != nil {
			break
		}
	}

	if pol.Optimistic && (lastErr != nil || (lastResp != nil && retryableStatus(lastResp.Status))) {
		return &Response{Status: http.StatusOK, Optimistic: true, Attempts: pol.Retries + 1}, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (p *Pool) attempt(ctx context.Context, client *http.Client, timeout time.Duration, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("X-Authorization", "Bearer "+req.Token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
