package causal

import (
	"context"
	"errors"
	"fmt"

	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/infrastructure/mqtt"
	"github.com/middts/middts-core/internal/twin"
)

// HandleCommand applies a middts/property/{id}/set message. The payload is
// either a JSON scalar or an object with a "value" key. The write runs
// fire-and-forget under the best-effort class so that the MQTT callback
// returns before the device answers. A command for a property that is still
// propagating is parked, and only the latest parked command is sent.
func (s *Sync) HandleCommand(topic string, payload []byte) error {
	id, err := mqtt.ParsePropertySet(topic)
	if err != nil {
		return err
	}
	value, err := commandValue(payload)
	if err != nil {
		return fmt.Errorf("property %d command: %w", id, err)
	}

	class := gateway.BestEffortWrite
	out, err := s.Write(context.Background(), id, value, WriteOptions{Mode: FireAndForget, Class: &class})
	if err != nil {
		return err
	}
	s.deps.Logger.Debug("property command accepted",
		"property_id", id,
		"state", out.State.String(),
		"requested", out.Requested,
	)
	return nil
}

func commandValue(payload []byte) (any, error) {
	v, err := twin.DecodeJSON(payload)
	if err != nil {
		return nil, err
	}
	if obj, ok := v.(map[string]any); ok {
		x, ok := obj["value"]
		if !ok {
			return nil, errors.New("command object has no value key")
		}
		return x, nil
	}
	return v, nil
}
