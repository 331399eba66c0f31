/*
Package monitor watches project health endpoints and keeps per-project
uptime statistics, independent of the security pipeline.

Each project with a monitor block gets its own goroutine: after a 10s
startup grace it probes the health URL every check_interval, requiring
the exact configured status code. A response in time with the right
code is a successful check; anything else, including transport errors
and timeouts, is a failed one.

# Log Scanning

A project may additionally name a log file and a pattern. Every check
scans the bytes appended since the previous scan (a rotation resets the
cursor); a match is treated as a failed check even when the endpoint
answers, because an application logging its configured error string
needs the same escalation as one that stopped responding. Matches are
also recorded in the knowledge base for trend queries.

# Transitions

Health state is edge-triggered. The online-to-offline transition opens
a downtime episode and emits one incident on the bus (CRITICAL for
production projects, HIGH otherwise); further failed checks only extend
the episode. The offline-to-online transition closes it with a recovery
event carrying the downtime duration. After remediation_threshold
consecutive failures the configured remediation command runs through
the command executor, at most once per episode; recovery re-arms it.

# Dashboard and State

A rolling dashboard message aggregates all projects (offline first) and
is edited in place every five minutes through Notifier.UpdateLive. The
message handle and the per-project check counters persist in
project_monitor_state.json, written atomically with coalesced flushes.
A corrupt state file is renamed to <name>.corrupt.<unix-ts>, announced
on the bus, and replaced by empty state. Gauges (consecutive failures,
downtime start, response-time ring) are deliberately not persisted; a
restart re-learns them within one check interval.

# Integration Points

  - pkg/probe: the HTTP checker with exact status matching
  - pkg/executor: runs remediation commands under the usual guards
  - pkg/notify: the live dashboard message
  - pkg/knowledge: RecordLogPattern for matched patterns
  - pkg/bus: EventIncidentOpened, EventIncidentClosed,
    EventServiceState, EventStateQuarantine
  - pkg/metrics: the ProjectStatuses sampler plus incident and
    remediation counters
*/
package monitor
