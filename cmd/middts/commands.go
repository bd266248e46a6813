package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/liveness"
	"github.com/middts/middts-core/internal/process"
)

type checkStatusOptions struct {
	Once     bool
	Devices  []int64
	Interval time.Duration
}

func newCheckStatusCommand(root *rootOptions) *cobra.Command {
	opts := &checkStatusOptions{}

	cmd := &cobra.Command{
		Use:   "check-status",
		Short: "Poll device liveness and flag bound instances",
		Long: `Polls every device's gateway for its active attribute and updates the
device and its bound instances. Runs until interrupted unless --once is given.
--device restricts polling to the listed devices in either mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckStatus(cmd, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "poll a single cycle and exit")
	cmd.Flags().Int64SliceVar(&opts.Devices, "device", nil, "poll only these device ids")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "poll interval (default from liveness.interval)")

	return cmd
}

func runCheckStatus(cmd *cobra.Command, root *rootOptions, opts *checkStatusOptions) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, root)
	defer a.close()
	if err != nil {
		return err
	}

	if opts.Interval > 0 {
		a.cfg.Liveness.Interval = opts.Interval
	}
	monitor := a.monitor()
	if !opts.Once {
		if len(opts.Devices) > 0 {
			return monitor.RunDevices(ctx, opts.Devices)
		}
		return monitor.Run(ctx)
	}

	var summary liveness.Summary
	if len(opts.Devices) > 0 {
		summary, err = monitor.PollDevices(ctx, opts.Devices)
	} else {
		summary, err = monitor.PollOnce(ctx)
	}
	if err != nil {
		return fmt.Errorf("polling devices: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "polled %d devices: %d transitions, %d failures\n",
		summary.Polled, summary.Transitions, summary.Failures)
	return nil
}

func newListenCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run telemetry listeners for active bound devices",
		Long: `Keeps one websocket telemetry listener per active device that feeds a
twin property. Device liveness is re-read from the entity store once per
liveness interval, so a check-status process should run alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, root)
			defer a.close()
			if err != nil {
				return err
			}
			return a.listeners(a.monitor()).Run(ctx)
		},
	}
}

type driveOptions struct {
	Instances []int64
	Interval  time.Duration
	Blocking  bool
}

func newDriveCommand(root *rootOptions) *cobra.Command {
	opts := &driveOptions{}

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Write generated values into causal properties",
		Long: `Writes a random value to every causal property at a fixed interval and
propagates it to the device. Booleans flip, integers and doubles are drawn
from [0,100]. Used for load generation and latency measurement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDrive(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.Instances, "instances", nil, "restrict to these instance ids (default from causal.instance_ids)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "tick interval (default from causal.driver_interval)")
	cmd.Flags().BoolVar(&opts.Blocking, "blocking", false, "wait for each write to reconcile before the next")

	return cmd
}

func runDrive(ctx context.Context, root *rootOptions, opts *driveOptions) error {
	a, err := bootstrap(ctx, root)
	defer a.close()
	if err != nil {
		return err
	}

	tasks := process.NewSupervisor(ctx, a.log.With("component", "process"))
	defer a.shutdownTasks(tasks)

	cfg := causal.DriverConfig{
		Interval:    a.cfg.Causal.DriverInterval,
		InstanceIDs: a.cfg.Causal.InstanceIDs,
		Mode:        causal.FireAndForget,
	}
	if len(opts.Instances) > 0 {
		cfg.InstanceIDs = opts.Instances
	}
	if opts.Interval > 0 {
		cfg.Interval = opts.Interval
	}
	if opts.Blocking {
		cfg.Mode = causal.Blocking
	}

	driver := causal.NewDriver(a.store, a.sync(tasks), cfg, a.log.With("component", "driver"))
	return driver.Run(ctx)
}

func newRefreshCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <property-id>...",
		Short: "Read properties back from their devices",
		Long: `Calls the read RPC of the device property bound to each twin property and
stores the answer on both sides. Properties are refreshed in order; every
failure is reported and the command fails if any property could not be read.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid property id %q", arg)
				}
				ids = append(ids, id)
			}
			return runRefresh(cmd, root, ids)
		},
	}
}

func runRefresh(cmd *cobra.Command, root *rootOptions, ids []int64) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, root)
	defer a.close()
	if err != nil {
		return err
	}

	tasks := process.NewSupervisor(ctx, a.log.With("component", "process"))
	defer a.shutdownTasks(tasks)
	sync := a.sync(tasks)

	var errs []error
	for _, id := range ids {
		out, err := sync.Refresh(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("property %d: %w", id, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "property %d: %s (was %s)\n", id, out.Value, out.Previous)
	}
	return errors.Join(errs...)
}
