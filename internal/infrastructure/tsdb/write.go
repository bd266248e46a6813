package tsdb

import (
	"context"
	"strings"
)

// WriteLine queues one line-protocol line for the next batch flush.
//
// The write is non-blocking; flush failures arrive through the SetOnError
// callback. It returns ErrNotConnected after Close.
func (c *Client) WriteLine(ctx context.Context, line string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Strip newlines so one call always produces exactly one line.
	line = strings.TrimSpace(strings.NewReplacer("\n", "", "\r", "").Replace(line))
	if line == "" {
		return ErrWriteFailed
	}
	c.addLine(line)
	return nil
}
