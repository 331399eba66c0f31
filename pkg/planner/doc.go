/*
Package planner turns security event batches into structured
remediation plans by querying model providers over HTTP.

The planner is the only component that talks to an LLM. It holds an
ordered provider chain (config order is failover order), one shared
rate gate spacing all outgoing requests, and a live progress record
that the notifier and status surface read while a response streams.

# Provider Chain

Providers implement a two-method interface (Name, Complete) and are
built from config by kind: "anthropic" speaks the Messages API,
"openai" speaks Chat Completions and covers any OpenAI-compatible
server (Ollama, vLLM, LM Studio) via base_url. API keys come from the
environment variable named in config, never from the file itself.

A request walks the chain in order. Transport and HTTP failures are
retried against the same provider with exponential backoff (1s initial,
x2, 16s cap, 3 tries) before moving on; a response that parses but
fails validation moves on immediately, since a model that produced
malformed JSON once tends to do it again. Only when every provider is
exhausted does the call fail, and the orchestrator then fails the batch
without charging its retry budget.

# Outputs

Plan returns a batch-wide RemediationPlan: description, confidence,
ordered phases with steps, duration estimate, restart flag and a
rollback plan. Strategy returns the narrower single-event FixStrategy.
Summarize returns free prose for callers that want classification text
rather than structure (push summaries). All three share the chain, the
gate and the retry policy.

Parsing tolerates what models actually send: markdown fences around
the JSON, prose before or after it, and confidence quoted as a string.
It does not tolerate missing required fields, an empty phase list or a
confidence outside [0,1]; those reject the response.

# Streaming

Both provider kinds stream by default (SSE). Each delta increments the
token count and extends the snippet tail in the Progress record, so an
operator watching the approval channel sees the plan forming instead
of a silent multi-minute gap. Non-streaming mode remains available per
provider for servers that do not implement SSE.

# Integration Points

  - pkg/orchestrator: Plan for each batch, re-plan on retry
  - pkg/fixer: Strategy when phase text names no known approach
  - pkg/ingest: Summarize for push change summaries
  - pkg/notify: Progress snapshots in live status updates
  - pkg/metrics: request counters, latency and confidence histograms
*/
package planner
