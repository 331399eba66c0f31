/*
Package log provides structured logging for Sentinel using zerolog.

It wraps zerolog behind a small package API so every component logs
through the same globally configured writer in the same format, either
human-readable console output for interactive runs or JSON for log
shippers.

# Usage

Initialize once at startup, before any component starts:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Then log through the package helpers:

	log.Info("sentinel started")
	log.Errorf(err, "failed to open state dir %s", dir)

Components that emit many lines keep a child logger with their fields
bound once, usually in the constructor:

	logger := log.WithComponent("orchestrator")
	logger.Info().Int64("batch_id", batch.ID).Msg("batch closed")

# Conventions

  - One child logger per long-lived component, created with
    WithComponent and stored on the struct.
  - Errors attach with .Err(err), never interpolated into the message.
  - Field helpers (WithSource, WithBatchID, WithProject) keep key names
    consistent across packages so downstream filters work.
  - Level usage: Debug for per-iteration noise (poll ticks, cache hits),
    Info for state transitions (batch closed, fix verified, incident
    opened), Warn for degraded-but-running conditions (adapter down,
    knowledge base read-only), Error for failed operations.

# Integration Points

Every Sentinel package logs through this package. cmd/sentinel wires
Config from the top-level configuration file and the --log-level flag.
*/
package log
