// Package knowledge is the embedded learning store: every remediation
// attempt lands here, and per-strategy statistics flow back into
// planning prompts and retry pacing.
//
// Architecture:
//
//	RecordFix ──────────┐
//	RecordVulnerability ├──> SQLite (WAL, single writer)
//	RecordCodeChange    │      fixes / vulnerabilities / strategies
//	RecordLogPattern ───┘      code_changes / log_patterns
//	                              |
//	        +---------------------+--------------------+
//	        |                     |                    |
//	  SuccessRate          BestStrategies        RetryMultiplier
//	  (30d window)        (>=3 uses, by rate)   (0.5 / 1.0 / 2.0)
//
// # Schema
//
// Five relations, created by embedded goose migrations on first open:
//
//   - fixes: one row per attempt (signature, source, type, severity,
//     strategy, result, error, duration, retries, confidence, batch).
//     Append-only.
//   - vulnerabilities: scanner findings keyed by
//     (cve, package, installed version); repeats bump last_seen and
//     times_seen instead of duplicating.
//   - strategies: accumulators keyed by (strategy_name, event_type):
//     success/failure counts, running mean confidence, cumulative
//     duration. The only relation whose rows mutate.
//   - code_changes: classified pushes from the ingest pipeline.
//   - log_patterns: per-project pattern hit counters from the monitor.
//
// RecordFix inserts the fix row and folds the outcome into the
// strategies accumulator in one transaction, so
// success_count+failure_count always equals the number of fix rows for
// that (strategy, event_type). A partial result increments the failure
// side: a strategy that only half-works should not look reliable.
//
// # Adaptive Retry
//
// RetryMultiplier turns history into pacing: strategies with a success
// rate of at least 0.8 retry at half delay, below 0.4 at double, in
// between (or with fewer than three uses) at the default. The
// orchestrator multiplies its exponential backoff by this factor.
//
// # Degraded Mode
//
// A knowledge base that cannot be opened or migrated does not stop the
// pipeline. Unless Config.Required is set, Open returns a degraded KB:
// recording returns types.ErrDegraded, queries return zero values, and
// RetryMultiplier returns the default. A file that opens but fails
// migration stays readable. The degradation is logged once at startup
// and surfaced in LearningSummary.
//
// # Concurrency
//
// One writer at a time (writeMu around short transactions); reads run
// concurrently against the WAL.
//
// # Usage
//
//	kb, err := knowledge.Open(knowledge.Config{
//		Path:          "/var/lib/sentinel/knowledge.db",
//		RetentionDays: 90,
//	})
//	if err != nil {
//		return err
//	}
//	defer kb.Close()
//
//	fixID, err := kb.RecordFix(ctx, event, attempt, batch.ID)
//	if errors.Is(err, types.ErrDegraded) {
//		// learning disabled, remediation continues
//	}
//
//	mult := kb.RetryMultiplier(ctx, "harden_jail", event.Type)
//
// # Integration Points
//
//   - pkg/orchestrator: records attempts, scales retry delays
//   - pkg/planner: feeds best-strategy history into prompts
//   - pkg/ingest: records classified code changes
//   - pkg/monitor: records matched log patterns
//   - pkg/notify: renders LearningSummary on the dashboard
package knowledge
