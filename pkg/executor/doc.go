/*
Package executor provides safe shell command execution for every
mutation Sentinel performs on the host.

All remediation commands, service start/stop commands, backup CLI
steps (docker retag, pg_dump) and repository operations flow through
one Executor, so a single place enforces validation, timeouts, modes
and auditability. Read-only probing does not come through here; that
is pkg/probe.

# Architecture

	            command line
	                 │
	          ┌──────▼──────┐
	          │  validate    │ empty / NUL / blocklist
	          └──────┬──────┘ refusal ⇒ types.RefusalError
	                 │
	       ┌─────────┼─────────┐
	       ▼         ▼         ▼
	   VALIDATE   DRY_RUN     LIVE
	   tokenize   log+fake   /bin/sh -c under timeout,
	   (refuse    success    SIGTERM then SIGKILL(+2s),
	   on syntax)            bounded output capture
	       │         │         │
	       └─────────┴────┬────┘
	                      ▼
	              bounded history ring
	              (Stats: success rate, avg duration)

# Modes

  - LIVE runs the command under /bin/sh -c (prefixed with sudo when
    requested).
  - DRY_RUN logs the command and returns a synthetic success without
    touching the host. When the executor itself is constructed in
    DRY_RUN (the global dry-run flag), per-call LIVE requests do not
    escalate; replay uses this to re-execute archived plans safely.
  - VALIDATE tokenizes the command line (shellwords) and refuses on any
    parse error, executing nothing.

# Refusals

Validation precedes every mode. Refused commands return
types.RefusalError, never a CommandResult: empty or null-byte command
lines, and anything matching the destructive-pattern blocklist
(recursive deletion of /, raw writes to block devices, filesystem
creation on devices, fork bombs, world-writable chmod of /). Config can
extend the blocklist but not shrink it. Refusals are contract
violations by the caller, not runtime failures, so the orchestrator
does not retry them or charge them against the retry budget.

# Error Contract

	result, err := exec.Execute(ctx, cmd, opts)

	err is RefusalError          command never ran, no result
	err wraps ErrCommandTimeout  result.TimedOut, ExitCode -1
	err is other non-nil         spawn failure or context canceled
	err is nil                   inspect result.Success()

A command that runs to completion with a nonzero exit code is a normal
outcome, reported through the result only.

# History

The last N results (default 1000) live in a ring; History and Stats
expose them for the control API and metrics sampling. Output is
captured up to 64KiB per stream and sanitized to valid UTF-8.

# Usage

	e, err := executor.New(executor.Config{
		Mode:           cfg.ExecMode(),
		DefaultTimeout: cfg.Executor.DefaultTimeout.Std(),
		MaxTimeout:     cfg.Executor.MaxTimeout.Std(),
		HistorySize:    cfg.Executor.HistorySize,
		ExtraBlocklist: cfg.Executor.Blocklist,
	})

	result, err := e.Execute(ctx, "apt-get install --only-upgrade openssl", executor.Options{
		Sudo:    true,
		Timeout: 10 * time.Minute,
	})

# Integration Points

  - pkg/fixer: every fix and verification command
  - pkg/service: start, stop and force-kill commands
  - pkg/backup: docker retag and database dump steps
  - pkg/monitor: per-project remediation commands
  - pkg/ingest: git operations for local repo polling
  - pkg/server, pkg/metrics: history statistics
*/
package executor
