// Package service starts, stops, and restarts the fixed set of
// services declared in configuration.
//
// # State Model
//
// A service's state is observed, not assumed: the configured check
// command is run and exit zero means RUNNING, anything else STOPPED.
// Checks run directly rather than through the command executor because
// they are side-effect free and must keep working in dry-run mode.
// Three more states overlay the live check:
//
//   - STARTING and STOPPING while an operation is in flight
//   - FAILED after a start whose service never reported RUNNING;
//     it sticks until a live check sees the service up again
//   - UNKNOWN for unregistered services or ones with no check command
//
// # Stopping
//
// Stop is polite first: run the stop command, then poll the state once
// per second up to the service's graceful timeout (30s when the service
// declares none). Only after that window lapses does the force-kill
// command fire, and the final state decides the return value. A service
// that refuses to die is reported as false, not as an error; errors are
// reserved for unknown services and refused commands.
//
// # Starting
//
// Start runs the start command, waits up to 30 seconds for the state to
// reach RUNNING, and then, when a health command is configured, polls
// it for up to 60 more seconds. Failing either wait records the service
// as FAILED and returns false. Restart is stop, a 2 second pause, then
// start with the health wait.
//
// # Batches
//
// StopBatch walks the list in reverse by default so dependents go down
// before what they depend on; failures are logged and the batch
// continues. StartBatch walks forward, starts declared dependencies
// before each service, and halts on the first failure, returning the
// services confirmed RUNNING so the caller can decide what to unwind.
//
// All mutations go through the command executor, so they are validated
// against the blocklist, recorded in history, and simulated under
// dry-run. In dry-run an operation reports success immediately; polling
// for a state change that cannot happen would only stall replays.
//
// # Integration Points
//
//   - pkg/fixer stops services around risky fixes and restarts them after
//   - pkg/orchestrator restarts everything a failed batch left stopped
//   - pkg/impact computes the priority order batches consume
//   - pkg/bus carries service lifecycle events to notification sinks
package service
