package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/twin"
)

// Auth defaults.
const (
	// DefaultTokenTTL is shorter than the usual 24h upstream expiry.
	DefaultTokenTTL = 23 * time.Hour

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second

	loginPath = "/api/auth/login"
)

// GatewayStore reads gateway records.
type GatewayStore interface {
	Gateway(ctx context.Context, id int64) (twin.Gateway, error)
}

// Token is a cached bearer token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// AuthConfig configures token caching and login backoff.
type AuthConfig struct {
	TTL         time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// failureState tracks consecutive login failures of one gateway.
type failureState struct {
	count   int
	retryAt time.Time
}

// AuthClient obtains and caches bearer tokens per gateway.
//
// Thread Safety: safe for concurrent use. Concurrent cache misses for the
// same gateway share one login call.
type AuthClient struct {
	store  GatewayStore
	pool   *Pool
	cfg    AuthConfig
	logger Logger
	now    func() time.Time

	tokens sync.Map // int64 -> Token
	group  singleflight.Group

	mu       sync.Mutex
	failures map[int64]*failureState

	throttle *logging.Throttle
}

// NewAuthClient creates an auth client. Zero config values take the defaults.
func NewAuthClient(store GatewayStore, pool *Pool, cfg AuthConfig, logger Logger) *AuthClient {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &AuthClient{
		store:    store,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		failures: make(map[int64]*failureState),
		throttle: logging.NewThrottle(logging.DefaultThrottleWindow),
	}
}

// Token returns a valid token for the gateway, logging in when the cache is
// empty or expired. While the gateway is backing off after failed logins it
// fails fast with ErrAuthBackoff.
func (a *AuthClient) Token(ctx context.Context, gatewayID int64) (Token, error) {
	if v, ok := a.tokens.Load(gatewayID); ok {
		tok := v.(Token)
		if a.now().Before(tok.ExpiresAt) {
			return tok, nil
		}
		a.tokens.CompareAndDelete(gatewayID, tok)
	}

	if wait := a.backoffRemaining(gatewayID); wait > 0 {
		return Token{}, fmt.Errorf("%w: gateway %d, retry in %s", ErrAuthBackoff, gatewayID, wait.Round(time.Millisecond))
	}

	// The shared login must not fail every waiter when the caller that
	// started it goes away; each attempt is bounded by the StatusPoll timeout.
	loginCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(strconv.FormatInt(gatewayID, 10), func() (any, error) {
		if v, ok := a.tokens.Load(gatewayID); ok {
			if tok := v.(Token); a.now().Before(tok.ExpiresAt) {
				return tok, nil
			}
		}
		tok, err := a.login(loginCtx, gatewayID)
		if err != nil {
			a.recordFailure(gatewayID, err)
			return Token{}, err
		}
		a.recordSuccess(gatewayID)
		a.tokens.Store(gatewayID, tok)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Invalidate drops the cached token of a gateway so the next Token call logs in.
// Callers invoke it on HTTP 401 and on websocket closes reporting an invalid token.
func (a *AuthClient) Invalidate(gatewayID int64) {
	a.tokens.Delete(gatewayID)
}

// Failures returns the consecutive login failures of a gateway.
func (a *AuthClient) Failures(gatewayID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.failures[gatewayID]; ok {
		return f.count
	}
	return 0
}

func (a *AuthClient) backoffRemaining(gatewayID int64) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[gatewayID]
	if !ok {
		return 0
	}
	if wait := f.retryAt.Sub(a.now()); wait > 0 {
		return wait
	}
	return 0
}

func (a *AuthClient) recordFailure(gatewayID int64, err error) {
	a.mu.Lock()
	f, ok := a.failures[gatewayID]
	if !ok {
		f = &failureState{}
		a.failures[gatewayID] = f
	}
	f.count++
	delay := backoffDelay(a.cfg.BackoffBase, a.cfg.BackoffMax, f.count)
	f.retryAt = a.now().Add(delay)
	count := f.count
	a.mu.Unlock()

	key := "login:" + strconv.FormatInt(gatewayID, 10)
	if ok, suppressed := a.throttle.Allow(key); ok {
		a.logger.Warn("gateway login failed",
			"gateway_id", gatewayID,
			"failures", count,
			"retry_in", delay.String(),
			"suppressed", suppressed,
			"error", err,
		)
	}
}

func (a *AuthClient) recordSuccess(gatewayID int64) {
	a.mu.Lock()
	_, hadFailures := a.failures[gatewayID]
	delete(a.failures, gatewayID)
	a.mu.Unlock()

	a.throttle.Reset("login:" + strconv.FormatInt(gatewayID, 10))
	if hadFailures {
		a.logger.Info("gateway login recovered", "gateway_id", gatewayID)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (a *AuthClient) login(ctx context.Context, gatewayID int64) (Token, error) {
	gw, err := a.store.Gateway(ctx, gatewayID)
	if err != nil {
		return Token{}, fmt.Errorf("%w: loading gateway %d: %w", ErrAuth, gatewayID, err)
	}

	body, err := json.Marshal(loginRequest{Username: gw.Username, Password: gw.Password})
	if err != nil {
		return Token{}, fmt.Errorf("%w: encoding login: %w", ErrAuth, err)
	}

	resp, err := a.pool.do(ctx, gatewayID, StatusPoll, Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(gw.URL, "/") + loginPath,
		Body:   body,
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if resp.Status != http.StatusOK {
		return Token{}, fmt.Errorf("%w: %w", ErrAuth, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)})
	}

	var lr loginResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil || lr.Token == "" {
		return Token{}, fmt.Errorf("%w: login response carries no token", ErrAuth)
	}

	return Token{Value: lr.Token, ExpiresAt: a.expiry(lr.Token)}, nil
}

// expiry is now+TTL, capped by the JWT exp claim when the token carries one.
// The signature is not verified; the gateway is the only consumer.
func (a *AuthClient) expiry(raw string) time.Time {
	exp := a.now().Add(a.cfg.TTL)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return exp
	}
	if jwtExp, err := claims.GetExpirationTime(); err == nil && jwtExp != nil && jwtExp.Before(exp) {
		return jwtExp.Time
	}
	return exp
}

// backoffDelay doubles base per failure, capped at ceiling.
func backoffDelay(base, ceiling time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
