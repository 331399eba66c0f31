/*
Package fixer remediates security events, one fixer per source.

Every fixer follows the same shape: extract the source-specific view
of the event, pick a strategy from the plan text, snapshot what is
about to change, mutate through the command executor, verify with the
source's own tool, and undo its own work when the fix does not hold.

# Strategy Selection

Plan text drives the strategy. Each source has an ordered keyword
table in config (phase text is consulted before the plan description);
the first matching substring wins and the table's empty-substring row
is the fallback. The orchestrator may pin a strategy instead, which
bypasses the table; retries use this to avoid re-running a failed
approach.

# Error Contract

Three failure kinds leave a fixer, and the orchestrator treats each
differently:

  - *types.RefusalError: validation rejected the request before
    anything ran (whitelisted address, critical path without approval
    text, malformed input). Never retried.
  - *types.VerificationError: the fix ran, the tool did not confirm
    it, and the fixer already rolled back its own steps. Retryable.
  - anything else: an execution failure, also after self-rollback.
    Retryable.

On success the Result carries the backup IDs and stopped services the
orchestrator accumulates for batch-level rollback; on failure the
fixer has already restored its own snapshots, so the caller never
cleans up a half-applied fix.

# Per-Source Behavior

The vulnerability fixer upgrades packages (pinned to the fixed version
when the finding names one), refreshes base images, or both; when a
rescanner is wired it counts findings before and after and fails
verification unless the count dropped. The network fixer extends IPS
decisions, writes firewall DROP rules (probing with -C first so
re-runs are idempotent), and groups two or more batch addresses
sharing a /24 into one subnet rule, refusing any subnet that would
cover a whitelisted or local address. The host fixer hardens a jail
(week-long bans, three retries) or makes a ban permanent, detecting
the jail from the event, the plan text, or the configured default.
The file fixer categorizes changes as unauthorized, suspicious or
legitimate, then restores from the owning repository or backup,
quarantines with an advisory malware scan, or updates the integrity
baseline.

# Integration Points

  - pkg/orchestrator: calls Fix per phase x event, accumulates Results
  - pkg/executor, pkg/backup: all mutation and snapshotting
  - pkg/adapter: the trivy adapter doubles as the Rescanner
  - pkg/config: strategy tables and per-fixer safety settings
*/
package fixer
