package causal

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/middts/middts-core/internal/twin"
)

// DefaultDriverInterval is the pause between two driver rounds.
const DefaultDriverInterval = 5 * time.Second

// Writer is the write surface used by the driver. Sync implements it.
type Writer interface {
	Write(ctx context.Context, propertyID int64, value any, opts WriteOptions) (Outcome, error)
}

// PropertyLister lists the causal bound properties of instances.
type PropertyLister interface {
	CausalProperties(ctx context.Context, instanceIDs []int64) ([]twin.Property, error)
}

// DriverConfig configures a Driver. An empty InstanceIDs drives every instance.
type DriverConfig struct {
	Interval    time.Duration
	InstanceIDs []int64
	Mode        Mode
}

// Driver writes random values to causal properties at a fixed interval.
type Driver struct {
	props  PropertyLister
	writer Writer
	cfg    DriverConfig
	logger Logger
	rand   *rand.Rand
}

// NewDriver creates a driver.
func NewDriver(props PropertyLister, writer Writer, cfg DriverConfig, logger Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Driver{
		props:  props,
		writer: writer,
		cfg:    cfg,
		logger: logger,
		rand:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6d6964647473)),
	}
}

// Run drives writes until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("causal driver round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick writes one random value to every driven property and returns the
// number of accepted writes. Individual write failures are logged.
func (d *Driver) Tick(ctx context.Context) (int, error) {
	props, err := d.props.CausalProperties(ctx, d.cfg.InstanceIDs)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, p := range props {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		value, ok := d.value(p.Type)
		if !ok {
			continue
		}
		out, err := d.writer.Write(ctx, p.ID, value, WriteOptions{Mode: d.cfg.Mode})
		if err != nil {
			if errors.Is(err, ErrShutdown) {
				return written, err
			}
			d.logger.Warn("causal driver write failed",
				"instance_id", p.InstanceID,
				"property_id", p.ID,
				"error", err,
			)
			continue
		}
		written++
		d.logger.Debug("causal driver wrote property",
			"instance_id", p.InstanceID,
			"property", p.Name,
			"value", out.Requested,
			"state", out.State.String(),
		)
	}
	return written, nil
}

// value draws a random value: Booleans are fair coin flips, Integers range
// over [0, 100] and Doubles over [0, 100) rounded to two decimals. Strings
// are not driven.
func (d *Driver) value(t twin.ValueType) (any, bool) {
	switch t {
	case twin.Boolean:
		return d.rand.IntN(2) == 1, true
	case twin.Integer:
		return int64(d.rand.IntN(101)), true
	case twin.Double:
		return math.Round(d.rand.Float64()*100*100) / 100, true
	default:
		return nil, false
	}
}
