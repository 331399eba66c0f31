/*
Package notify delivers operator-facing notifications and runs the
human approval workflow.

Components publish to logical channels (alerts, approvals, critical,
orchestrator, deployment-log, per-project status); sinks decide what a
channel means for their medium. Two sinks ship: a console sink that
renders plain text for terminal installs, and a webhook sink that
POSTs JSON to a relay. Delivery is best effort and failures are logged,
never propagated; a dead chat bridge must not stall remediation.

# Approvals

RequestApproval posts the batch summary, plan, confidence and impact
verdict to the approvals channel, registers the request in the Inbox
and blocks. Three exits:

  - a human decides through the control API (or a chat sink wired to
    the Inbox): the outcome carries approver identity
  - the timeout lapses (default 30m): a timed-out rejection is
    returned wrapping types.ErrApprovalTimeout
  - the context is cancelled (shutdown): ctx.Err() is returned and the
    caller leaves the batch pending for the next start

Decisions are single-shot. The first Decide wins, later calls get
types.ErrNotFound, and the decision channel is buffered so deciders
never block on a waiter that already gave up.

# Bus Bridge

The Bridge subscribes to the internal bus and forwards pipeline events
to channels by type, so components emit bus events once and operators
still see them. CRITICAL events additionally land on the critical
channel.

How noisy failures are follows the approval mode. Paranoid forwards
every failure as it happens. Balanced forwards refusals and
verification failures immediately and rolls transient fix failures and
adapter failures into a daily summary. Aggressive forwards immediately
only verification failures on CRITICAL batches. The summary flushes on
a 24h ticker and on Stop, so deferred failures survive shutdown. Every
failure is still recorded in the knowledge base and archived with its
batch regardless of mode; the mode only gates operator interruptions.

# Integration Points

  - pkg/orchestrator: approval requests, batch lifecycle messages
  - pkg/monitor: incident messages and the live dashboard (UpdateLive)
  - pkg/server: Inbox listing and decisions via the control API
  - pkg/bus: the bridge's input
*/
package notify
