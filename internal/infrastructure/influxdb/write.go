package influxdb

import (
	"context"
	"strings"
)

// WriteLine queues one line-protocol line. It does not wait for the
// server; batch failures reach the OnError callback.
func (s *Sink) WriteLine(ctx context.Context, line string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ErrEmptyLine
	}
	s.writer.WriteRecord(line)
	return nil
}
