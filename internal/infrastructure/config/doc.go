// Package config handles loading and validating middts core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (MIDDTS_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sink tokens and broker passwords should be set via environment variables
//   - Gateway credentials live in the entity store, never in this file
//
// Usage:
//
//	cfg, err := config.Load("configs/middts.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Liveness.Interval)
package config
