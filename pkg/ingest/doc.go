/*
Package ingest receives GitHub push activity and turns it into deploy
log summaries, knowledge base records, and bus events.

Pushes arrive two ways and meet in one pipeline:

  - Webhook deliveries on POST /webhook, verified against the shared
    secret with a constant-time HMAC-SHA256 comparison. An unconfigured
    secret rejects every delivery. Push events on deploy branches are
    queued for the worker; pull_request merges, published releases and
    failed workflow_run conclusions become bus events directly.
  - A local polling loop for repos cloned on this host, for pushes that
    never produce a delivery (firewalled runners, pushes from the box
    itself). Each cycle fetches, resolves origin/<branch>, and
    synthesizes the webhook payload from git log when the head moved.

# Deduplication

Both paths share one gate with two layers: an in-memory inflight set
with a TTL, so a webhook delivery and a poll cycle racing on the same
head cannot both claim it, and a persisted per repo-and-branch cursor
of the last processed commit, so redeliveries and restarts do not
re-announce old pushes. The cursor file is written atomically with
coalesced flushes; a corrupt file is renamed to <name>.corrupt.<unix-ts>,
announced on the bus, and replaced by empty state. A branch seen for
the first time is baselined without replaying its history.

# Summaries

Each processed push gets a summary for the deploy log. When a model
summarizer is wired it writes the prose; otherwise (and whenever the
model fails) a lexical fallback buckets commit subjects into features,
fixes, improvements and other. The commit category recorded in the
knowledge base is always the lexical one, so classification stays
deterministic regardless of which path produced the prose.

# Integration Points

  - pkg/planner: the optional Summarize provider chain
  - pkg/knowledge: RecordCodeChange per processed push
  - pkg/bus: EventPushSummary (the bridge routes it to the deploy log
    channel) and EventStateQuarantine
  - pkg/metrics: WebhooksTotal by event and outcome, PushesProcessed
    by repo
  - pkg/adapter: the read-only shell runner the poller issues git
    commands through
*/
package ingest
