// Package metrics provides Prometheus instrumentation and the internal
// component-health registry for the controller.
//
// Architecture:
//
//	pipeline components               Collector (15s)
//	  |  counters/histograms            |  gauges
//	  v                                 v
//	package-level metric vars  <────────+
//	  |
//	  v
//	prometheus default registry ──> Handler() ──> GET /metrics
//
//	component lifecycles ──> RegisterComponent/UpdateComponent
//	                              |
//	                              v
//	                  HealthHandler / ReadyHandler / LivenessHandler
//
// # Metric Groups
//
// All metrics carry the sentinel_ prefix.
//
//   - Detection: events detected and deduplicated per source, adapter
//     failures, adapter poll latency.
//   - Pipeline: terminal batches by status, live queue depth, events
//     per batch, circuit breaker state.
//   - Planner: calls per provider and outcome, call latency, accepted
//     plan confidence.
//   - Approvals: decisions by kind (approved, rejected, timeout, auto).
//   - Execution: commands by mode and outcome, command latency,
//     backups by type, rollbacks, fix attempts by source and result.
//   - Monitor: per-project up gauge, incidents, triggered remediations.
//   - Ingest: webhook deliveries by event and outcome, processed
//     pushes per repository.
//
// Counters and histograms are updated inline by the owning component.
// Gauges that mirror live state (queue depth, circuit state, project
// health) are sampled every 15 seconds by the Collector, which reads
// through the QueueSampler and ProjectSampler interfaces so the wiring
// stays one-directional.
//
// # Usage
//
//	metrics.EventsDetected.WithLabelValues("host_ips", "high").Inc()
//
//	timer := metrics.NewTimer()
//	plan, err := provider.Plan(ctx, batch)
//	timer.ObserveDurationVec(metrics.PlanDuration, provider.Name())
//
//	collector := metrics.NewCollector(orch, mon)
//	collector.Start()
//	defer collector.Stop()
//
// # Component Health
//
// Components report in as they start and whenever their state changes:
//
//	metrics.RegisterComponent("orchestrator", true, "")
//	metrics.UpdateComponent("planner", false, "all providers failing")
//
// GetReadiness requires store, executor and orchestrator to be healthy;
// everything else affects GetHealth but not readiness. The HTTP
// handlers return 503 when unhealthy or not ready, for use as probe
// endpoints.
//
// # Integration Points
//
//   - pkg/server: mounts Handler() at /metrics and the probe handlers
//   - pkg/orchestrator, pkg/monitor: implement the sampler interfaces
//   - every pipeline package: increments its own counters
package metrics
