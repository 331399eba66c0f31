/*
Package server is Sentinel's single HTTP surface.

One chi router carries four concerns on one listener:

  - POST /webhook: the GitHub delivery receiver (pkg/ingest)
  - GET /health, GET /ready: liveness and component detail
  - GET /metrics: the Prometheus registry
  - the control API: GET /status, GET /batches/{id}, GET /approvals,
    POST /approvals/{id}

# Control API

/status aggregates one point-in-time view: the orchestrator snapshot
(open batch, queue, circuit state, terminal counters), the project
monitor snapshot, the 7-day knowledge base summary, and executor
history statistics. /batches/{id} returns an archived batch with its
plan and outcome. /approvals lists requests waiting on a human;
POST /approvals/{id} with {"approved": bool, "approver": "name"}
resolves one, unblocking the orchestrator's approval wait.

Dependencies are narrow read interfaces; a component that is not
running simply drops out of the responses. All request logging is
structured, with probe and scrape paths demoted to debug.

# Lifecycle

Start binds the listener synchronously (a bad address fails startup)
and serves on an errgroup. Stop drains in-flight requests against the
caller's context; the shutdown sequence stops the server after the
pipeline components so late decisions still land.
*/
package server
