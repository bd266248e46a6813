package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/middts/middts-core/internal/audit"
	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/infrastructure/config"
	"github.com/middts/middts-core/internal/infrastructure/database"
	"github.com/middts/middts-core/internal/infrastructure/influxdb"
	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/infrastructure/mqtt"
	"github.com/middts/middts-core/internal/infrastructure/tsdb"
	"github.com/middts/middts-core/internal/liveness"
	"github.com/middts/middts-core/internal/metrics"
	"github.com/middts/middts-core/internal/process"
	"github.com/middts/middts-core/internal/telemetry"
	"github.com/middts/middts-core/internal/twin"
	"github.com/middts/middts-core/migrations"
)

// healthCheckTimeout bounds the startup connectivity check.
const healthCheckTimeout = 5 * time.Second

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// closer is a named shutdown step.
type closer struct {
	name string
	fn   func() error
}

// app holds the infrastructure shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	db      *database.DB
	store   *twin.SQLiteStore
	gateway *gateway.Client
	emitter *metrics.Emitter
	sink    healthChecker           // nil when no metrics sink is configured
	mqtt    *mqtt.Client            // nil when MQTT is disabled
	history *audit.SQLiteRepository // nil when audit is disabled

	closers []closer
}

// bootstrap loads configuration and connects the infrastructure. The caller
// must call close even when bootstrap fails part way.
func bootstrap(ctx context.Context, opts *rootOptions) (*app, error) {
	// Bootstrap logger for startup (before config is loaded)
	a := &app{log: logging.Default()}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return a, fmt.Errorf("loading config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	a.cfg = cfg

	// Replace bootstrap logger with configured logger
	a.log = logging.New(cfg.Logging, version)
	a.log.Info("middts starting", "version", version, "commit", commit, "build_date", date)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return a, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	a.onClose("database", db.Close)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return a, fmt.Errorf("running migrations: %w", err)
	}
	a.log.Info("database connected", "path", cfg.Database.Path)
	a.store = twin.NewSQLiteStore(db.DB)
	if cfg.Audit.Enabled {
		a.history = audit.NewSQLiteRepository(db.DB)
	}

	pool := gateway.NewPool(gateway.PoolConfig{
		StatusPollTimeout:      cfg.Gateway.StatusPollTimeout,
		BestEffortWriteTimeout: cfg.Gateway.BestEffortWriteTimeout,
		UltraLowLatencyTimeout: cfg.Gateway.UltraLowLatencyTimeout,
		MaxConnsPerGateway:     cfg.Gateway.MaxConnsPerGateway,
	})
	a.onClose("gateway pool", func() error {
		pool.Close()
		return nil
	})
	gwLog := a.log.With("component", "gateway")
	auth := gateway.NewAuthClient(a.store, pool, gateway.AuthConfig{
		TTL:         cfg.Gateway.TokenTTL,
		BackoffBase: cfg.Gateway.LoginBackoffBase,
		BackoffMax:  cfg.Gateway.LoginBackoffMax,
	}, gwLog)
	a.gateway = gateway.NewClient(a.store, auth, pool, gwLog)

	sink, err := a.openSink(ctx)
	if err != nil {
		return a, err
	}
	if hc, ok := sink.(healthChecker); ok {
		a.sink = hc
	}
	a.emitter = metrics.NewEmitter(sink, cfg.Metrics.Source, cfg.Metrics.EmitTimeout, a.log.With("component", "metrics"))
	a.onClose("metrics emitter", func() error {
		a.emitter.Wait()
		return nil
	})

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, a.log.With("component", "mqtt"))
		if err != nil {
			return a, fmt.Errorf("connecting to MQTT: %w", err)
		}
		a.mqtt = client
		a.onClose("mqtt", client.Close)
	}

	if err := a.healthCheck(ctx); err != nil {
		return a, fmt.Errorf("health check failed: %w", err)
	}
	return a, nil
}

// openSink connects the configured time-series sink. A nil sink drops samples.
func (a *app) openSink(ctx context.Context) (metrics.Sink, error) {
	switch strings.ToLower(a.cfg.Metrics.Sink) {
	case "influxdb":
		cfg := a.cfg.InfluxDB
		sink, err := influxdb.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		sink.OnError(func(err error) {
			a.log.Error("InfluxDB write error", "error", err)
		})
		// Close flushes the samples still queued in the write batch.
		a.onClose("influxdb", sink.Close)
		a.log.Info("InfluxDB connected", "url", cfg.URL, "bucket", cfg.Bucket)
		return sink, nil

	case "tsdb":
		cfg := a.cfg.TSDB
		client, err := tsdb.Connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to TSDB: %w", err)
		}
		client.SetOnError(func(err error) {
			a.log.Error("TSDB write error", "error", err)
		})
		a.onClose("tsdb", client.Close)
		a.log.Info("TSDB connected", "url", cfg.URL)
		return client, nil

	default:
		a.log.Info("metrics sink disabled")
		return nil, nil
	}
}

// healthCheck verifies the connected infrastructure responds.
func (a *app) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := a.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.mqtt != nil {
		if err := a.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if a.sink != nil {
		if err := a.sink.HealthCheck(ctx); err != nil {
			return fmt.Errorf("metrics sink: %w", err)
		}
	}
	return nil
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Error("error closing "+c.name, "error", err)
		}
	}
	a.closers = nil
}

func (a *app) monitor() *liveness.Monitor {
	return liveness.New(a.store, a.gateway, a.emitter, liveness.Config{
		Interval:    a.cfg.Liveness.Interval,
		Concurrency: a.cfg.Liveness.Concurrency,
	}, a.log.With("component", "liveness"))
}

func (a *app) listeners(live telemetry.Liveness) *telemetry.Supervisor {
	return telemetry.NewSupervisor(telemetry.Deps{
		Store:    a.store,
		Liveness: live,
		Endpoint: a.gateway,
		Tokens:   a.gateway.Auth(),
		Recorder: a.emitter,
		Logger:   a.log.With("component", "telemetry"),
	}, telemetry.Config{
		ReadTimeout:  a.cfg.Telemetry.ReadTimeout,
		ReconnectMax: a.cfg.Telemetry.ReconnectMax,
	}, a.cfg.Telemetry.SupervisorInterval)
}

func (a *app) sync(tasks *process.Supervisor) *causal.Sync {
	deps := causal.Deps{
		Store:    a.store,
		Invoker:  a.gateway,
		Recorder: a.emitter,
		Tasks:    tasks,
		Logger:   a.log.With("component", "causal"),
	}
	var pubs causal.Publishers
	if a.mqtt != nil {
		pubs = append(pubs, causal.NewMQTTPublisher(a.mqtt))
	}
	if a.history != nil {
		pubs = append(pubs, a.history)
	}
	if len(pubs) > 0 {
		deps.Publisher = pubs
	}
	return causal.NewSync(deps)
}

// shutdownTasks stops supervised services and waits for background work.
func (a *app) shutdownTasks(tasks *process.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := tasks.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("services did not stop cleanly", "error", err)
	}
}
