// Package adapter turns security-tool output into normalized events.
//
// Each adapter polls one tool and returns everything observed since the
// previous call. Adapters never deduplicate; the watcher's seen cache
// owns that, so a vulnerability that survives a failed fix shows up
// again once its suppression window lapses.
//
// # Adapters
//
//   - Trivy scans configured container images and emits one event per
//     finding, each at the finding's own severity. A scan with more
//     findings than the configured cap collapses into one summary event
//     fingerprinted by per-severity counts.
//   - Fail2ban lists banned IPs per jail (configured or discovered from
//     the jail list). Bans are already enforced, so events are
//     non-persistent at MEDIUM.
//   - CrowdSec lists active decisions; Ip and Range scopes become
//     non-persistent HIGH events, country and AS scopes are skipped
//     because there is no address to remediate.
//   - Aide parses an integrity report's Added/Removed/Changed sections.
//     An identical report to the previous poll yields nothing. Paths
//     under the configured critical prefixes are CRITICAL, others HIGH,
//     and all are persistent.
//   - FSWatch supplements aide with realtime fsnotify buffering on
//     configured paths; Poll drains the buffer, coalesced by signature,
//     into the same file:{path}:{kind} space.
//
// # Running Tools
//
// Tool commands run through a RunFunc, injectable for tests. The
// default ShellRunner executes outside the command executor: polls are
// reads, so executor history stays a record of mutations and detection
// keeps working when execution is globally dry-run. A nonzero exit
// returns the captured stdout alongside the error because aide encodes
// "differences found" in its exit code.
//
// Poll failures are returned whole; the watcher logs them, counts
// consecutive failures per adapter, and treats the cycle as having no
// news.
package adapter
