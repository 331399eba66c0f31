/*
Package orchestrator turns detected events into executed, reversible
remediations. It is the only component that mutates the host, and it
does so one batch at a time.

# Batching

The first submitted event opens a batch and starts the collection
window (default 10s). Every further event joins the open batch until
the window elapses or the batch reaches its size cap (default 10);
either closes the batch and queues it, and the next event opens a new
one. Related events detected together are therefore planned together,
which lets fixers fold them into single actions (one subnet ban instead
of ten host bans, one upgrade pass instead of ten).

Queued batches run strictly one at a time, highest severity first,
oldest batch first within a severity. A closed batch is persisted
before it runs and re-queued by the next run if the process dies, so
detection work is never silently lost.

# Pipeline

Each batch moves through plan, approval, and execution.

Plan: the planner produces a phased remediation plan. A plan whose
confidence falls below the configured floor (default 0.85) fails the
batch before anything runs; a low-confidence model does not get to
mutate a production host.

Approval: the impact analyzer grades blast radius, then the configured
mode decides. Paranoid reviews everything. Balanced auto-executes
except when the assessment demands review or the batch is critical.
Aggressive trusts the assessment alone and will auto-execute critical
work, logging loudly when it does. A required approval parks the batch
until a decision arrives or the timeout (default 30m) rejects it; an
unanswered request is a rejection, never an execution.

Execution: phases run in order, each phase across every event. Before a
fixer touches an event the paths it names are snapshotted. Failures
retry with adaptive backoff, exponential in the attempt count and
scaled by the knowledge base's history for the event signature, until
the per-event budget (default 3) is spent. A refusal from a fixer is
final and consumes the batch. When an event exhausts its budget the
whole batch rolls back: every backup taken during the execution is
restored in reverse order and stopped services restart. Every attempt,
successful or not, is recorded to the knowledge base as it happens.

# Circuit Breaker

Only the execution phase is metered. Consecutive batch failures
(default 5) open the circuit; while open, queued batches are held, not
failed, and a state notification goes out once per transition. After
the cool-off (default 1h) a single probe batch runs half-open: success
closes the circuit and the held queue drains, failure re-opens it.
Plan failures and human rejections never count against the breaker;
they say nothing about the host's ability to take fixes.

# Shutdown

Stop closes intake, persists the still-open batch, aborts any approval
wait (the batch stays pending for the next run), and lets a batch
mid-execution finish its current phase before halting. Halted batches
are requeued, not failed, and do not count against the breaker.

# Replay

Replay re-executes an archived batch's plan as a rehearsal: approval
skipped, breaker bypassed, knowledge base untouched, one attempt per
job, nothing persisted. Callers pair it with a DRY_RUN executor to
audit exactly what a past remediation did, or would do, command by
command.

# Integration Points

  - pkg/watcher: submits deduplicated events (Submitter)
  - pkg/planner: batch plans and per-event retry strategies
  - pkg/impact: blast-radius assessment feeding the approval decision
  - pkg/notify: approval requests and their timeout semantics
  - pkg/fixer: per-source remediation under the self-rollback contract
  - pkg/backup, pkg/service: batch-level rollback and restart ordering
  - pkg/knowledge: attempt history in, retry multipliers out
  - pkg/store: pending queue and terminal archive (bbolt)
  - pkg/metrics: queue depth and circuit gauges via QueueSampler
*/
package orchestrator
