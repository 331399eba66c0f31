/*
Package types defines the core data structures used throughout Sentinel.

This package contains all fundamental types that represent Sentinel's domain
model: security events and their per-source payloads, remediation batches,
plans, jobs and attempts, impact assessments, command results, backups,
services, projects, and the shared error kinds. These types are used by all
other packages for state management, persistence, and orchestration logic.

# Architecture

The types package is the foundation of Sentinel's data model. It defines:

  - Security events (normalized observations from source adapters)
  - Event signatures (deterministic dedup keys, derived per source)
  - Remediation lifecycle (batch, plan, phase, job, attempt)
  - Safety-layer records (impact assessments, command results, backups)
  - Managed infrastructure (services, projects)
  - Error kinds the pipeline distinguishes (refusal, verification,
    corrupt state, timeouts)

All types are designed to be:
  - Serializable (JSON for bbolt and state files)
  - Immutable after emission where noted (events, accepted plans)
  - Self-documenting (typed string enums with const blocks)

# Core Types

Events:
  - SecurityEvent: one normalized observation; immutable after emission
  - EventSource: vulnerability_scan, host_ips, network_ips, file_integrity
  - Severity: CRITICAL, HIGH, MEDIUM, LOW, UNKNOWN with Rank() ordering
  - EventDetails: tagged per-source payload views; exactly one set

Remediation:
  - RemediationBatch: events collected in one window, one plan, one outcome
  - BatchStatus: collecting → analyzing → awaiting_approval → executing →
    {completed, failed, rejected}
  - RemediationPlan / PlanPhase: the planner's structured proposal
  - RemediationJob: per-event retry context with ordered attempts
  - RemediationAttempt: one execution; attempt numbers strictly increase
  - FixStrategy: plan-derived strategy handed to a fixer

Safety layer:
  - ImpactAssessment: affected projects, impact severity, downtime
    estimate, approval gate
  - CommandResult: exit code, captured output, duration, timeout flag
  - BackupInfo: snapshot identity, location, size, content metadata
  - ServiceInfo / ServiceState: managed service declaration and state

# Event Signatures

Signature() derives the deduplication key from the typed payload:

	scan:{cve}:{package}:{installed_version}     vulnerability finding
	scan_batch:{c}c:{h}h:{m}m:{i}i               scan summary
	net:{ip}:{scenario}                          network threat
	host:{ip}:{jail}                             host ban
	file:{path}:{change_kind}                    file-integrity change
	meta:{source}:{type}                         meta events (no payload)

Two events with equal signatures represent the same underlying condition
and must not both trigger remediation within the suppression window for
their persistence class (12h persistent, 24h self-resolving).

# Error Kinds

The pipeline distinguishes four failure families beyond plain errors:

	RefusalError       safety rule rejected the operation; never retried,
	                   does not consume retry budget
	VerificationError  fix ran but verification failed; rolled back,
	                   retryable
	CorruptStateError  persisted state unreadable; owner quarantines the
	                   file and continues fresh
	ErrCommandTimeout  executor killed the child at the deadline

Detection goes through errors.As/errors.Is so wrapping with context via
fmt.Errorf("...: %w", err) is always safe.

# Usage

Creating an event in an adapter:

	event := types.NewSecurityEvent(
		types.SourceNetworkIPS,
		"threat",
		types.SeverityHigh,
		types.EventDetails{NetworkThreat: &types.NetworkThreatDetails{
			IP:       "203.0.113.5",
			Scenario: "ssh-bruteforce",
		}},
		false, // the IPS already mitigated it; self-resolving
	)

Checking error kinds in the orchestrator:

	if types.IsRefusal(err) {
		// terminal for this strategy; do not retry
	}
	if types.IsVerification(err) {
		// roll back, count the attempt, maybe retry
	}

# Thread Safety

Types in this package carry no locks. Events and accepted plans are
immutable by convention; every other mutation is synchronized by the
owning component (seen cache by the watcher, batches and jobs by the
orchestrator, backups by the backup manager).

# Integration Points

This package integrates with:

  - pkg/watcher: signature derivation and dedup windows
  - pkg/orchestrator: batch/job lifecycle and error-kind policy
  - pkg/planner: RemediationPlan parsing target
  - pkg/fixer: FixStrategy dispatch and refusal rules
  - pkg/backup, pkg/executor, pkg/service: safety-layer records
  - pkg/store, pkg/knowledge: persistence of all of the above
*/
package types
