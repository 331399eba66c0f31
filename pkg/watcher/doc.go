/*
Package watcher schedules the detection adapters and deduplicates what
they find before anything reaches the remediation pipeline.

Each adapter runs in its own goroutine on its own cadence (scanner
hours apart, IPS adapters every 30s). Every returned event is reduced
to its signature and checked against the persistent seen cache; only
first sightings move on to the orchestrator. The watcher is the sole
owner of the cache.

# Deduplication

The seen cache maps signature to last-seen epoch seconds and survives
restarts, so a redeploy does not re-alert on every standing finding.
Windows depend on the nature of the event:

  - persistent conditions (a vulnerable package, a changed file): 12h,
    so a finding whose fix did not hold is re-raised the same day
  - self-resolving conditions (an IPS ban already in force): 24h

Entries expire on read and a hit does not refresh the timestamp; the
window always counts from first detection. IsNew is atomic under one
mutex, which makes it the serialization point for all adapter loops.

Disk writes coalesce: mutations mark the cache dirty and arm a 500ms
timer, so a burst of findings costs one write. The file is replaced
atomically via temp file and rename. If it cannot be parsed at startup
it is renamed to <name>.corrupt.<unix-ts>, a quarantine event goes out
on the bus, and detection continues with an empty cache.

# Failure Model

Poll errors are logged and counted per adapter. Three consecutive
failures raise one HIGH meta-event (signature
"meta:<source>:adapter_failure") that travels the normal dedup and
submit path, so operators hear about a dead tool through the same
channel as the findings it should have produced. A success resets the
counter. Other adapters are unaffected throughout; the watcher never
stops a loop because a sibling is failing.

Every poll runs under the configured timeout (default 30s), so a hung
tool costs one interval, not the loop.

# Ordering

For each new event the watcher records the signature first, then
submits. A submit failure therefore drops the event until its window
expires; the alternative, submitting before recording, would duplicate
events on a crash between the two steps, and duplicates are the one
thing this package exists to prevent.

# Integration Points

  - pkg/adapter: the polled sources
  - pkg/orchestrator: the Submitter sink for new events
  - pkg/bus: EventDetected, EventAdapterFailure, EventStateQuarantine
  - pkg/metrics: detection counters and poll duration histograms
  - cmd/sentinel: owns Start/Stop ordering around the orchestrator
*/
package watcher
