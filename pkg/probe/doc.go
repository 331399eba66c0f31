/*
Package probe provides health checking primitives shared by the project
monitor and the service manager.

A Checker runs one check and reports a Result; Status folds a stream of
Results into a rolling healthy/unhealthy view with consecutive-failure
counting and a startup grace period.

# Components

  - HTTPChecker: GET (or any method) against a URL. Supports either a
    status range (200-399 by default) or an exact expected status; the
    project monitor requires an exact match, so a 204 from an endpoint
    configured for 200 counts as offline.
  - ExecChecker: run a command; exit 0 is healthy. NewShellChecker wraps
    a configured shell command line in /bin/sh -c, which is how service
    state and health commands are declared.
  - Status: consecutive success/failure counters, retry threshold, and
    InStartPeriod for grace handling.

Checks are side-effect free. Anything that mutates the host (service
start/stop, remediation commands) goes through pkg/executor instead,
keeping the executor's audit history to actual mutations.

# Usage

	checker := probe.NewHTTPChecker("http://localhost:3000/health").
		WithExpectedStatus(200).
		WithTimeout(5 * time.Second)

	status := probe.NewStatus()
	result := checker.Check(ctx)
	status.Update(result, config)

# Integration Points

  - pkg/monitor: HTTP probes per project, grace period, transitions
  - pkg/service: exec probes for state and health waits
*/
package probe
