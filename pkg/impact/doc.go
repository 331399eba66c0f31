// Package impact grades planned remediations before anything executes:
// which projects a plan touches, how bad it could get, how long it
// might take, and whether a human has to sign off.
//
// # Severity Ladder
//
//	CRITICAL     any affected path overlaps the protected set
//	SIGNIFICANT  a production project is affected, or the events came
//	             from file integrity monitoring
//	MODERATE     vulnerability scan findings with no production impact
//	MINIMAL      everything else
//	NONE         empty request
//
// The protected set always contains /etc/passwd, /etc/shadow, /etc/ssh
// and /boot; configuration can extend it but never shrink it. Path
// overlap is bidirectional: a plan touching /etc counts as touching
// /etc/ssh, and one touching /etc/ssh/sshd_config counts as touching
// /etc/ssh.
//
// # Approval
//
// RequiresApproval is set for critical severity, protected paths,
// production projects, file-integrity sources, plan confidence below
// 0.85, and always in paranoid mode. ApprovalReason carries the first
// matching rule so the notifier can show the operator why.
//
// # Downtime
//
// The estimate is a severity base (0/30/120/300/600 seconds) plus 10s
// per affected project, 120s when the strategy rebuilds images, 60s
// when it touches a database, and 15s per restart it mentions.
//
// ServiceOrder lists affected projects' services in start order,
// highest priority first. The service manager starts forward through
// the list and stops backward, so the most important service is down
// for the shortest window.
//
// # Integration Points
//
//   - pkg/orchestrator: gates auto-execution on the assessment
//   - pkg/fixer: consults protected paths before file restores
//   - pkg/service: consumes ServiceOrder for stop/start batches
package impact
