package causal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/middts/middts-core/internal/infrastructure/mqtt"
)

// Event reports the settled outcome of a causal write.
type Event struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	InstanceID       int64     `json:"instance_id"`
	PropertyID       int64     `json:"property_id"`
	DevicePropertyID int64     `json:"device_property_id,omitempty"`
	Property         string    `json:"property"`
	Device           string    `json:"device,omitempty"`
	Requested        string    `json:"requested"`
	Value            string    `json:"value"`
	Previous         string    `json:"previous"`
	Conflict         bool      `json:"conflict,omitempty"`
	Optimistic       bool      `json:"optimistic,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	At               time.Time `json:"at"`
}

func (e Event) stamp(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
	return e
}

// EventPublisher receives sync events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// Publishers fans an event out to every publisher in order.
type Publishers []EventPublisher

// PublishEvent publishes ev to each publisher and joins their errors.
func (ps Publishers) PublishEvent(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONPublisher publishes JSON payloads. mqtt.Client implements it.
type JSONPublisher interface {
	PublishJSON(topic string, v any) error
}

// MQTTPublisher publishes sync events on
// middts/sync/{instance}/{property}/{reconciled|rejected}.
type MQTTPublisher struct {
	client JSONPublisher
	topics mqtt.Topics
}

// NewMQTTPublisher creates a publisher on top of an MQTT client.
func NewMQTTPublisher(client JSONPublisher) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

// PublishEvent publishes ev. The MQTT client bounds the publish itself, so
// ctx is only checked before sending.
func (p *MQTTPublisher) PublishEvent(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	outcome := mqtt.SyncReconciled
	if ev.State == Rejected {
		outcome = mqtt.SyncRejected
	}
	return p.client.PublishJSON(p.topics.SyncEvent(ev.InstanceID, ev.PropertyID, outcome), ev)
}
