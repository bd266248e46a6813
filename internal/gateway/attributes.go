package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Well-known attribute keys.
const (
	AttrActive           = "active"
	AttrLastActivityTime = "lastActivityTime"
)

// Attribute is one entry of the gateway attribute listing.
type Attribute struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	LastUpdateTs int64           `json:"lastUpdateTs,omitempty"`
}

// Attributes is the attribute listing of a device.
type Attributes []Attribute

// Get returns the attribute with the given key.
func (a Attributes) Get(key string) (Attribute, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr, true
		}
	}
	return Attribute{}, false
}

// Active decodes the liveness attribute. ok is false when the key is absent
// or not a boolean.
func (a Attributes) Active() (active, ok bool) {
	attr, found := a.Get(AttrActive)
	if !found {
		return false, false
	}
	var v any
	if err := json.Unmarshal(attr.Value, &v); err != nil {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		if b, err := strconv.ParseBool(strings.ToLower(val)); err == nil {
			return b, true
		}
	}
	return false, false
}

// LastActivity decodes the lastActivityTime attribute (epoch milliseconds).
func (a Attributes) LastActivity() (time.Time, bool) {
	attr, found := a.Get(AttrLastActivityTime)
	if !found {
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(attr.Value, &ms); err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ReadAttributes lists the attributes of a device under the status-poll class.
// A 401 answer refreshes the token and retries once.
func (c *Client) ReadAttributes(ctx context.Context, target Target) (Attributes, error) {
	base, err := c.baseURL(ctx, target.GatewayID)
	if err != nil {
		return nil, err
	}

	resp, res, ok := c.authorized(ctx, target.GatewayID, StatusPoll, Request{
		Method: http.MethodGet,
		URL:    base + fmt.Sprintf(attributesPathPattern, url.PathEscape(target.DeviceID)),
	})
	if !ok {
		return nil, res.Error()
	}
	if resp.Status != http.StatusOK {
		return nil, &HTTPError{Status: resp.Status, Body: truncate(resp.Body)}
	}

	var attrs Attributes
	if err := json.Unmarshal(resp.Body, &attrs); err != nil {
		return nil, fmt.Errorf("%w: decoding attributes: %w", ErrProtocol, err)
	}
	return attrs, nil
}
