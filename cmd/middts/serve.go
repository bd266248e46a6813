package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/middts/middts-core/internal/api"
	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/infrastructure/mqtt"
	"github.com/middts/middts-core/internal/process"
)

const (
	// serviceRestartDelay is the pause before a failed service is restarted.
	serviceRestartDelay = 5 * time.Second

	retentionInterval = time.Hour
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every synchronisation service and the ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe starts the enabled services and blocks until ctx is cancelled.
func runServe(ctx context.Context, opts *rootOptions) error {
	a, err := bootstrap(ctx, opts)
	defer a.close()
	if err != nil {
		return err
	}
	cfg := a.cfg

	tasks := process.NewSupervisor(ctx, a.log.With("component", "process"))
	defer a.shutdownTasks(tasks)

	monitor := a.monitor()
	sync := a.sync(tasks)

	if cfg.Liveness.Enabled {
		if err := tasks.Start(service("liveness"), monitor.Run); err != nil {
			return fmt.Errorf("starting liveness monitor: %w", err)
		}
	}

	var listeners api.Listeners
	if cfg.Telemetry.Enabled {
		sup := a.listeners(monitor)
		if err := tasks.Start(service("telemetry"), sup.Run); err != nil {
			return fmt.Errorf("starting telemetry supervisor: %w", err)
		}
		listeners = sup
	}

	if cfg.Causal.Driver {
		driver := causal.NewDriver(a.store, sync, causal.DriverConfig{
			Interval:    cfg.Causal.DriverInterval,
			InstanceIDs: cfg.Causal.InstanceIDs,
			Mode:        causal.FireAndForget,
		}, a.log.With("component", "driver"))
		if err := tasks.Start(service("causal-driver"), driver.Run); err != nil {
			return fmt.Errorf("starting causal driver: %w", err)
		}
	}

	var events api.Events
	if a.history != nil {
		retention := cfg.Audit.Retention
		history := a.history
		auditLog := a.log.With("component", "audit")
		err := tasks.Start(service("audit-retention"), func(ctx context.Context) error {
			return history.RunRetention(ctx, retention, retentionInterval, auditLog)
		})
		if err != nil {
			return fmt.Errorf("starting audit retention: %w", err)
		}
		events = history
	}

	var broker api.Broker
	if a.mqtt != nil {
		commands := mqtt.Topics{}.AllPropertySets()
		if err := a.mqtt.Subscribe(commands, byte(cfg.MQTT.QoS), sync.HandleCommand); err != nil {
			return fmt.Errorf("subscribing to property commands: %w", err)
		}
		// Stop taking commands before the sync engine's tasks are drained.
		defer func() {
			if err := a.mqtt.Unsubscribe(commands); err != nil {
				a.log.Warn("unsubscribing from property commands", "error", err)
			}
		}()
		broker = a.mqtt
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     a.log.With("component", "api"),
			Properties: sync,
			Events:     events,
			Listeners:  listeners,
			Services:   tasks,
			MQTT:       broker,
			DB:         a.db.DB,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if err := srv.Close(); err != nil {
				a.log.Error("error closing API server", "error", err)
			}
		}()
	}

	a.log.Info("middts started",
		"liveness", cfg.Liveness.Enabled,
		"telemetry", cfg.Telemetry.Enabled,
		"driver", cfg.Causal.Driver,
		"mqtt", a.mqtt != nil,
		"audit", a.history != nil,
		"api", cfg.API.Enabled,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	a.log.Info("shutdown signal received, stopping services")
	return nil
}

func service(name string) process.Config {
	return process.Config{
		Name:             name,
		RestartOnFailure: true,
		RestartDelay:     serviceRestartDelay,
	}
}
