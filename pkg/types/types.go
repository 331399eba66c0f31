package types

import (
	"fmt"
	"time"
)

// EventSource identifies the security tool an event originated from
type EventSource string

const (
	SourceVulnerabilityScan EventSource = "vulnerability_scan"
	SourceHostIPS           EventSource = "host_ips"
	SourceNetworkIPS        EventSource = "network_ips"
	SourceFileIntegrity     EventSource = "file_integrity"
)

// Severity classifies how urgent an event or finding is
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// Rank returns a comparable weight for severity ordering (higher is worse)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the highest severity among the given values
func MaxSeverity(severities ...Severity) Severity {
	max := SeverityUnknown
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// SecurityEvent is a normalized observation from a source adapter.
// Events are immutable after emission; cross-component handoffs pass
// the same pointer but never mutate it.
type SecurityEvent struct {
	ID         string       `json:"id"`
	Source     EventSource  `json:"source"`
	Type       string       `json:"type"`
	Severity   Severity     `json:"severity"`
	Details    EventDetails `json:"details"`
	Timestamp  time.Time    `json:"timestamp"`
	Persistent bool         `json:"persistent"`
}

// NewSecurityEvent fills the derived fields of an event
func NewSecurityEvent(source EventSource, eventType string, severity Severity, details EventDetails, persistent bool) *SecurityEvent {
	now := time.Now()
	return &SecurityEvent{
		ID:         fmt.Sprintf("%s-%s-%d", source, eventType, now.UnixNano()),
		Source:     source,
		Type:       eventType,
		Severity:   severity,
		Details:    details,
		Timestamp:  now,
		Persistent: persistent,
	}
}

// EventDetails carries the per-source payload. Exactly one of the typed
// views is set for a normal event; Extra holds adapter-specific scraps
// that do not participate in signatures.
type EventDetails struct {
	Vulnerability *VulnerabilityDetails `json:"vulnerability,omitempty"`
	ScanSummary   *ScanSummaryDetails   `json:"scan_summary,omitempty"`
	NetworkThreat *NetworkThreatDetails `json:"network_threat,omitempty"`
	HostBan       *HostBanDetails       `json:"host_ban,omitempty"`
	FileChange    *FileChangeDetails    `json:"file_change,omitempty"`
	Extra         map[string]string     `json:"extra,omitempty"`
}

// VulnerabilityDetails describes one scanner finding
type VulnerabilityDetails struct {
	CVE              string `json:"cve"`
	Package          string `json:"package"`
	InstalledVersion string `json:"installed_version"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	Image            string `json:"image,omitempty"`
}

// ScanSummaryDetails aggregates a scan that produced too many findings
// to emit individually
type ScanSummaryDetails struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Images   int `json:"images"`
}

// NetworkThreatDetails describes a network IPS decision
type NetworkThreatDetails struct {
	IP       string `json:"ip"`
	Scenario string `json:"scenario"`
	Action   string `json:"action,omitempty"`
	Country  string `json:"country,omitempty"`
}

// HostBanDetails describes a host IPS ban
type HostBanDetails struct {
	IP       string `json:"ip"`
	Jail     string `json:"jail"`
	Failures int    `json:"failures,omitempty"`
}

// FileChangeDetails describes one file-integrity finding
type FileChangeDetails struct {
	Path       string `json:"path"`
	ChangeKind string `json:"change_kind"`
	Hash       string `json:"hash,omitempty"`
}

// Signature derives the deterministic string that identifies "the same
// issue" for deduplication. Two events with equal signatures represent
// the same underlying condition.
func (e *SecurityEvent) Signature() string {
	d := e.Details
	switch {
	case d.Vulnerability != nil:
		v := d.Vulnerability
		return fmt.Sprintf("scan:%s:%s:%s", v.CVE, v.Package, v.InstalledVersion)
	case d.ScanSummary != nil:
		s := d.ScanSummary
		return fmt.Sprintf("scan_batch:%dc:%dh:%dm:%di", s.Critical, s.High, s.Medium, s.Images)
	case d.NetworkThreat != nil:
		n := d.NetworkThreat
		return fmt.Sprintf("net:%s:%s", n.IP, n.Scenario)
	case d.HostBan != nil:
		h := d.HostBan
		return fmt.Sprintf("host:%s:%s", h.IP, h.Jail)
	case d.FileChange != nil:
		f := d.FileChange
		return fmt.Sprintf("file:%s:%s", f.Path, f.ChangeKind)
	default:
		// Meta events (adapter failures and the like) key on source+type
		return fmt.Sprintf("meta:%s:%s", e.Source, e.Type)
	}
}

// BatchStatus tracks a remediation batch through its lifecycle
type BatchStatus string

const (
	BatchCollecting       BatchStatus = "collecting"
	BatchAnalyzing        BatchStatus = "analyzing"
	BatchAwaitingApproval BatchStatus = "awaiting_approval"
	BatchExecuting        BatchStatus = "executing"
	BatchCompleted        BatchStatus = "completed"
	BatchFailed           BatchStatus = "failed"
	BatchRejected         BatchStatus = "rejected"
)

// Terminal reports whether the status is an end state
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchRejected
}

// RemediationBatch is a set of events collected in one window and
// handled by one plan. At most one batch is executing at any instant.
type RemediationBatch struct {
	ID        int64             `json:"id"`
	Events    []*SecurityEvent  `json:"events"`
	CreatedAt time.Time         `json:"created_at"`
	ClosedAt  time.Time         `json:"closed_at,omitempty"`
	Status    BatchStatus       `json:"status"`
	Severity  Severity          `json:"severity"`
	Plan      *RemediationPlan  `json:"plan,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Approval  *ApprovalOutcome  `json:"approval,omitempty"`
}

// RecomputeSeverity sets the batch severity to the highest event severity
func (b *RemediationBatch) RecomputeSeverity() {
	severities := make([]Severity, 0, len(b.Events))
	for _, e := range b.Events {
		severities = append(severities, e.Severity)
	}
	b.Severity = MaxSeverity(severities...)
}

// ApprovalOutcome records the human decision for a batch
type ApprovalOutcome struct {
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
	TimedOut  bool      `json:"timed_out,omitempty"`
}

// RemediationPlan is the structured output of the planner for one batch.
// A plan is never mutated after acceptance; retries re-plan.
type RemediationPlan struct {
	Description      string      `json:"description"`
	Confidence       float64     `json:"confidence"`
	Phases           []PlanPhase `json:"phases"`
	EstimatedMinutes int         `json:"estimated_duration_minutes"`
	RequiresRestart  bool        `json:"requires_restart"`
	RollbackPlan     string      `json:"rollback_plan"`
	Provider         string      `json:"provider,omitempty"`
}

// PlanPhase is one ordered segment of a plan
type PlanPhase struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Steps            []string `json:"steps"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

// FixStrategy is the planner's narrower single-event output, also used
// to carry the plan-derived strategy into a fixer
type FixStrategy struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// AttemptResult classifies one remediation attempt
type AttemptResult string

const (
	ResultSuccess AttemptResult = "success"
	ResultFailure AttemptResult = "failure"
	ResultPartial AttemptResult = "partial"
)

// RemediationAttempt is one execution of one plan against one event.
// Attempts within a job are totally ordered and strictly increasing in
// Number.
type RemediationAttempt struct {
	Number     int           `json:"attempt_number"`
	Timestamp  time.Time     `json:"timestamp"`
	Strategy   string        `json:"strategy"`
	Result     AttemptResult `json:"result"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Confidence float64       `json:"ai_confidence"`
}

// JobStatus tracks a per-event retry context
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobInProgress       JobStatus = "in_progress"
	JobSuccess          JobStatus = "success"
	JobFailed           JobStatus = "failed"
	JobRequiresApproval JobStatus = "requires_approval"
	JobRejected         JobStatus = "rejected"
)

// RemediationJob is the per-event retry context
type RemediationJob struct {
	Event            *SecurityEvent       `json:"event"`
	CreatedAt        time.Time            `json:"created_at"`
	Attempts         []RemediationAttempt `json:"attempts"`
	Status           JobStatus            `json:"status"`
	MaxAttempts      int                  `json:"max_attempts"`
	ApprovalRequired bool                 `json:"approval_required"`
	ApprovalHandle   string               `json:"approval_handle,omitempty"`
}

// NextAttemptNumber returns the strictly increasing number for the next
// attempt of this job
func (j *RemediationJob) NextAttemptNumber() int {
	return len(j.Attempts) + 1
}

// ImpactSeverity grades the blast radius of a remediation
type ImpactSeverity string

const (
	ImpactNone        ImpactSeverity = "NONE"
	ImpactMinimal     ImpactSeverity = "MINIMAL"
	ImpactModerate    ImpactSeverity = "MODERATE"
	ImpactSignificant ImpactSeverity = "SIGNIFICANT"
	ImpactCritical    ImpactSeverity = "CRITICAL"
)

// ImpactAssessment is the impact analyzer's structured verdict
type ImpactAssessment struct {
	AffectedProjects []string       `json:"affected_projects"`
	Severity         ImpactSeverity `json:"impact_severity"`
	DowntimeSeconds  int            `json:"downtime_estimate_seconds"`
	Risks            []string       `json:"risks"`
	MitigationSteps  []string       `json:"mitigation_steps"`
	ServiceOrder     []string       `json:"service_order"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalReason   string         `json:"approval_reason,omitempty"`
}

// ExecMode selects how the command executor treats a command
type ExecMode string

const (
	ModeLive     ExecMode = "LIVE"
	ModeDryRun   ExecMode = "DRY_RUN"
	ModeValidate ExecMode = "VALIDATE"
)

// CommandResult captures the outcome of one executed command
type CommandResult struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Mode      ExecMode      `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
}

// Success reports whether the command completed with exit code zero
func (r CommandResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// BackupType classifies what a backup snapshots
type BackupType string

const (
	BackupFile      BackupType = "file"
	BackupDirectory BackupType = "directory"
	BackupDocker    BackupType = "docker"
	BackupDatabase  BackupType = "database"
)

// BackupInfo describes one created backup
type BackupInfo struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Type       BackupType        `json:"type"`
	Path       string            `json:"path"`
	SizeBytes  int64             `json:"size_bytes"`
	CreatedAt  time.Time         `json:"created_at"`
	Compressed bool              `json:"compressed"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ServiceState is the observed state of a managed service
type ServiceState string

const (
	ServiceRunning  ServiceState = "RUNNING"
	ServiceStopped  ServiceState = "STOPPED"
	ServiceStarting ServiceState = "STARTING"
	ServiceStopping ServiceState = "STOPPING"
	ServiceFailed   ServiceState = "FAILED"
	ServiceUnknown  ServiceState = "UNKNOWN"
)

// ServiceInfo declares one managed service and the commands that drive it
type ServiceInfo struct {
	Name            string        `json:"name" yaml:"name"`
	CheckCommand    string        `json:"check_command" yaml:"check_command"`
	StartCommand    string        `json:"start_command,omitempty" yaml:"start_command"`
	StopCommand     string        `json:"stop_command,omitempty" yaml:"stop_command"`
	ForceKillCmd    string        `json:"force_kill_command,omitempty" yaml:"force_kill_command"`
	HealthCommand   string        `json:"health_command,omitempty" yaml:"health_command"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
	Priority        int           `json:"priority" yaml:"priority"`
	DependsOn       []string      `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Project declares one monitored project
type Project struct {
	Name          string   `json:"name" yaml:"name"`
	Path          string   `json:"path" yaml:"path"`
	Production    bool     `json:"production" yaml:"production"`
	Priority      int      `json:"priority" yaml:"priority"`
	Containerized bool     `json:"containerized" yaml:"containerized"`
	CriticalPaths []string `json:"critical_paths,omitempty" yaml:"critical_paths"`
	Services      []string `json:"services,omitempty" yaml:"services"`
}

// ApprovalMode controls when auto-execution is allowed
type ApprovalMode string

const (
	ApprovalParanoid   ApprovalMode = "paranoid"
	ApprovalBalanced   ApprovalMode = "balanced"
	ApprovalAggressive ApprovalMode = "aggressive"
)
