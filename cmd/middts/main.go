// Package main is the entry point for the middts core.
//
// The binary runs the digital-twin synchronisation services against the
// entity store:
//
//   - serve: liveness monitor, telemetry listeners, causal writes and the ops API
//   - check-status: liveness polling only
//   - listen: telemetry listeners only
//   - drive: periodic generated writes into causal properties
//
// Configuration is loaded from a YAML file (default configs/config.yaml,
// overridable with --config or MIDDTS_CONFIG) with MIDDTS_* environment
// overrides applied on top.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set at build time via ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
