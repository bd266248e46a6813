package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	rpcPathTemplate       = "/api/rpc/twoway/%s"
	telemetryWSPath       = "/api/ws/plugins/telemetry"
	attributesPathPattern = "/api/plugins/telemetry/DEVICE/%s/values/attributes"
)

// Target addresses a device through its gateway.
type Target struct {
	GatewayID int64
	// DeviceID is the gateway-scoped device identifier.
	DeviceID string
}

// Client performs RPC calls and attribute reads against gateways.
type Client struct {
	store  GatewayStore
	auth   *AuthClient
	pool   *Pool
	logger Logger
}

// NewClient creates a gateway client.
func NewClient(store GatewayStore, auth *AuthClient, pool *Pool, logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{store: store, auth: auth, pool: pool, logger: logger}
}

// Auth returns the token cache used by the client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Invoke issues a two-way RPC to the device and classifies the outcome.
//
// A 401 answer invalidates the cached token and the call is retried once
// with a fresh one. On success the response body is returned as the device
// echo; it is authoritative even when it differs from params.
func (c *Client) Invoke(ctx context.Context, target Target, method string, params any, class TimeoutClass) Result {
	base, err := c.baseURL(ctx, target.GatewayID)
	if err != nil {
		return Result{Kind: KindTransport, Err: err}
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return Result{Kind: KindTransport, Err: fmt.Errorf("%w: encoding rpc: %w", ErrProtocol, err)}
	}
	rpcURL := base + fmt.Sprintf(rpcPathTemplate, url.PathEscape(target.DeviceID))

	resp, res, ok := c.authorized(ctx, target.GatewayID, class, Request{
		Method: http.MethodPost,
		URL:    rpcURL,
		Body:   body,
	})
	if !ok {
		return res
	}

	switch {
	case resp.Optimistic:
		c.logger.Debug("rpc answered optimistically",
			"gateway_id", target.GatewayID, "device", target.DeviceID, "method", method)
		return Result{Kind: KindOK, Optimistic: true, Status: resp.Status}
	case resp.Status >= 200 && resp.Status < 300:
		echo := bytes.TrimSpace(resp.Body)
		if len(echo) == 0 {
			echo = nil
		}
		return Result{Kind: KindOK, Echo: json.RawMessage(echo), Status: resp.Status}
	default:
		return Result{
			Kind:   KindHTTP,
			Status: resp.Status,
			Err:    &HTTPError{Status: resp.Status, Body: truncate(resp.Body)},
		}
	}
}

// authorized sends req with the cached token, refreshing it once on 401.
// ok is false when res holds a failure to return as is.
func (c *Client) authorized(ctx context.Context, gatewayID int64, class TimeoutClass, req Request) (*Response, Result, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.auth.Token(ctx, gatewayID)
		if err != nil {
			return nil, Result{Kind: KindAuth, Err: err}, false
		}
		req.Token = tok.Value

		resp, err := c.pool.Do(ctx, gatewayID, class, req)
		if err != nil {
			return nil, resultFromError(err), false
		}
		if resp.Status != http.StatusUnauthorized {
			return resp, Result{}, true
		}
		c.auth.Invalidate(gatewayID)
		c.logger.Info("gateway token rejected, refreshing", "gateway_id", gatewayID)
	}
	return nil, Result{
		Kind:   KindAuth,
		Status: http.StatusUnauthorized,
		Err:    fmt.Errorf("%w: %w", ErrAuth, &HTTPError{Status: http.StatusUnauthorized}),
	}, false
}

// TelemetryURL returns the websocket URL of the gateway telemetry endpoint,
// carrying a fresh token.
func (c *Client) TelemetryURL(ctx context.Context, gatewayID int64) (string, error) {
	base, err := c.baseURL(ctx, gatewayID)
	if err != nil {
		return "", err
	}
	tok, err := c.auth.Token(ctx, gatewayID)
	if err != nil {
		return "", err
	}
	return WebSocketURL(base, tok.Value)
}

// WebSocketURL rewrites an http(s) gateway URL into the telemetry websocket URL.
func WebSocketURL(gatewayURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(gatewayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + telemetryWSPath
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (c *Client) baseURL(ctx context.Context, gatewayID int64) (string, error) {
	gw, err := c.store.Gateway(ctx, gatewayID)
	if err != nil {
		return "", fmt.Errorf("loading gateway %d: %w", gatewayID, err)
	}
	return strings.TrimRight(gw.URL, "/"), nil
}
