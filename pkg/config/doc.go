/*
Package config loads, defaults and validates Sentinel's configuration.

Sentinel reads a single YAML file. Every knob has a default, so
configuration only has to state what differs from stock: which sources
are enabled, which projects to monitor, which model providers to use,
and whether auto-remediation may act at all.

# Architecture

	┌─────────────┐     ┌──────────────┐     ┌──────────────┐
	│  YAML file   │ ──▶ │  Default()   │ ──▶ │  normalize() │
	│ (user input) │     │ then decode  │     │ derived vals │
	└─────────────┘     └──────────────┘     └──────┬───────┘
	                                                 │
	                                          ┌──────▼───────┐
	                                          │  Validate()  │
	                                          │ struct tags +│
	                                          │ cross checks │
	                                          └──────────────┘

Load builds the struct from Default(), decodes the file over it (absent
keys keep their defaults), resolves derived values such as the
knowledge-base path under state_dir, then validates. Any error from
this package is a configuration error; cmd/sentinel maps it to exit
code 2.

# Core Sections

  - AutoRemediation: pipeline knobs (batch window 10s, max batch 10,
    max attempts 3, confidence floor 0.85, approval timeout 30m,
    breaker threshold 5 / timeout 1h, approval mode, dry-run).
  - Planner: model providers in failover order plus the shared 500ms
    request spacing and the temperature ceiling (0.3).
  - Sources: per-adapter enablement and cadence (vulnerability scan 6h,
    file integrity 15m, host and network IPS 30s) and the 30s poll
    timeout shared by all adapters.
  - Fixers / Impact: safety sets (network whitelist, default jail,
    critical and protected path prefixes).
  - KnowledgeBase / Backup / Executor: storage paths, retention,
    execution limits.
  - GitHub: webhook secret, deploy branches, locally polled repos,
    dedup TTL.
  - Projects: monitored projects with optional health-check blocks.
  - Services: managed service declarations (types.ServiceInfo).
  - Strategies: per-source keyword tables selecting a fix strategy from
    plan text. Missing or empty tables fall back to the built-ins from
    DefaultStrategies; a row with an empty "contains" is the fallback.

# Durations

Duration fields accept either Go duration strings ("30s", "15m", "6h")
or bare numbers, which are read as seconds:

	auto_remediation:
	  batch_window: 10s
	  circuit_breaker_timeout: 3600

# Usage

	cfg, err := config.Load("/etc/sentinel/sentinel.yaml")
	if err != nil {
		// configuration error, exit code 2
	}

	mode := cfg.ExecMode() // LIVE, or DRY_RUN when dry_run is set

Remediation stays off until both `auto_remediation.enabled` is set and
at least one planner provider is configured; Validate rejects the first
without the second. With remediation off, Sentinel still detects,
deduplicates, monitors and ingests.

# Integration Points

  - cmd/sentinel: Load at startup, flag overrides for log level,
    dry-run, state dir and listen address.
  - Every component receives its own section, not the whole Config.
  - pkg/fixer: reads the Strategies tables and the Fixers safety sets.
*/
package config
