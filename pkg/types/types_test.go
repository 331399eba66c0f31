package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureDerivation(t *testing.T) {
	tests := []struct {
		name     string
		event    *SecurityEvent
		expected string
	}{
		{
			name: "vulnerability finding",
			event: &SecurityEvent{
				Source: SourceVulnerabilityScan,
				Type:   "vulnerability",
				Details: EventDetails{Vulnerability: &VulnerabilityDetails{
					CVE:              "CVE-2024-0001",
					Package:          "openssl",
					InstalledVersion: "1.0.0",
				}},
			},
			expected: "scan:CVE-2024-0001:openssl:1.0.0",
		},
		{
			name: "scan summary",
			event: &SecurityEvent{
				Source: SourceVulnerabilityScan,
				Type:   "scan_summary",
				Details: EventDetails{ScanSummary: &ScanSummaryDetails{
					Critical: 3, High: 12, Medium: 40, Images: 5,
				}},
			},
			expected: "scan_batch:3c:12h:40m:5i",
		},
		{
			name: "network threat",
			event: &SecurityEvent{
				Source: SourceNetworkIPS,
				Type:   "threat",
				Details: EventDetails{NetworkThreat: &NetworkThreatDetails{
					IP: "203.0.113.5", Scenario: "ssh-bruteforce",
				}},
			},
			expected: "net:203.0.113.5:ssh-bruteforce",
		},
		{
			name: "host ban",
			event: &SecurityEvent{
				Source: SourceHostIPS,
				Type:   "ban",
				Details: EventDetails{HostBan: &HostBanDetails{
					IP: "198.51.100.7", Jail: "sshd",
				}},
			},
			expected: "host:198.51.100.7:sshd",
		},
		{
			name: "file change",
			event: &SecurityEvent{
				Source: SourceFileIntegrity,
				Type:   "integrity_violation",
				Details: EventDetails{FileChange: &FileChangeDetails{
					Path: "/etc/ssh/sshd_config", ChangeKind: "modified",
				}},
			},
			expected: "file:/etc/ssh/sshd_config:modified",
		},
		{
			name: "meta event without typed details",
			event: &SecurityEvent{
				Source: SourceNetworkIPS,
				Type:   "adapter_failure",
			},
			expected: "meta:network_ips:adapter_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.event.Signature())
		})
	}
}

func TestSignatureStability(t *testing.T) {
	// Equal payloads must derive equal signatures regardless of the
	// surrounding event identity.
	details := EventDetails{NetworkThreat: &NetworkThreatDetails{IP: "203.0.113.5", Scenario: "scan"}}
	e1 := NewSecurityEvent(SourceNetworkIPS, "threat", SeverityHigh, details, false)
	e2 := NewSecurityEvent(SourceNetworkIPS, "threat", SeverityHigh, details, false)

	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, e1.Signature(), e2.Signature())
}

func TestSeverityRankOrdering(t *testing.T) {
	ordered := []Severity{SeverityUnknown, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s should outrank %s", ordered[i], ordered[i-1])
	}
}

func TestMaxSeverity(t *testing.T) {
	tests := []struct {
		name     string
		in       []Severity
		expected Severity
	}{
		{"empty defaults to unknown", nil, SeverityUnknown},
		{"single", []Severity{SeverityLow}, SeverityLow},
		{"critical wins", []Severity{SeverityMedium, SeverityCritical, SeverityHigh}, SeverityCritical},
		{"high over medium", []Severity{SeverityMedium, SeverityHigh}, SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaxSeverity(tt.in...))
		})
	}
}

func TestBatchRecomputeSeverity(t *testing.T) {
	batch := &RemediationBatch{
		Events: []*SecurityEvent{
			{Severity: SeverityMedium},
			{Severity: SeverityCritical},
			{Severity: SeverityLow},
		},
	}
	batch.RecomputeSeverity()
	assert.Equal(t, SeverityCritical, batch.Severity)
}

func TestBatchStatusTerminal(t *testing.T) {
	terminal := []BatchStatus{BatchCompleted, BatchFailed, BatchRejected}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	active := []BatchStatus{BatchCollecting, BatchAnalyzing, BatchAwaitingApproval, BatchExecuting}
	for _, s := range active {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestJobNextAttemptNumber(t *testing.T) {
	job := &RemediationJob{MaxAttempts: 3}
	require.Equal(t, 1, job.NextAttemptNumber())

	job.Attempts = append(job.Attempts, RemediationAttempt{Number: 1})
	assert.Equal(t, 2, job.NextAttemptNumber())

	job.Attempts = append(job.Attempts, RemediationAttempt{Number: 2})
	assert.Equal(t, 3, job.NextAttemptNumber())
}

func TestRefusalError(t *testing.T) {
	err := Refuse("blocked IP %s is whitelisted", "127.0.0.1")
	assert.True(t, IsRefusal(err))
	assert.Contains(t, err.Error(), "127.0.0.1")

	wrapped := fmt.Errorf("fixer: %w", err)
	assert.True(t, IsRefusal(wrapped))

	assert.False(t, IsRefusal(errors.New("plain")))
	assert.False(t, IsRefusal(nil))
}

func TestVerificationError(t *testing.T) {
	err := &VerificationError{Reason: "vulnerability count did not decrease"}
	assert.True(t, IsVerification(err))
	assert.True(t, IsVerification(fmt.Errorf("attempt 2: %w", err)))
	assert.False(t, IsVerification(Refuse("nope")))
}

func TestCorruptStateError(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	err := &CorruptStateError{Path: "/var/lib/sentinel/seen_events.json", Err: inner}

	assert.True(t, IsCorruptState(err))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "seen_events.json")
}

func TestCommandResultSuccess(t *testing.T) {
	assert.True(t, CommandResult{ExitCode: 0}.Success())
	assert.False(t, CommandResult{ExitCode: 1}.Success())
	assert.False(t, CommandResult{ExitCode: 0, TimedOut: true}.Success())
	assert.False(t, CommandResult{ExitCode: -1, TimedOut: true}.Success())
}
