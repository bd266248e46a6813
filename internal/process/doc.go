// Package process supervises the goroutines of the middts core.
//
// Two kinds of work run on a Supervisor:
//   - services: long-running loops (liveness monitor, listener supervisor,
//     causal driver) started with Start. A service that returns an error or
//     panics is restarted after RestartDelay until MaxRestartAttempts.
//   - tasks: short fire-and-forget jobs (write reconciliation) started with
//     Go. Errors and panics are logged, never propagated.
//
// Shutdown cancels the shared context and waits for every goroutine, so no
// work outlives the process.
//
// Example usage:
//
//	sup := process.NewSupervisor(ctx, logger)
//	sup.Start(process.Config{Name: "liveness", RestartOnFailure: true}, monitor.Run)
//	sup.Go("reconcile", func(ctx context.Context) error { ... })
//	defer sup.Shutdown(context.Background())
package process
