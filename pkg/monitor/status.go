package monitor

import (
	"time"
)

// responseWindow bounds the per-project response-time ring. Fifty
// samples at the default 30s interval covers the last 25 minutes.
const responseWindow = 50

// Health is the rolling state of one monitored project. The Manager
// guards it with its own mutex; Health itself is not safe for
// concurrent use.
type Health struct {
	Project string

	Online              bool
	TotalChecks         int64
	SuccessfulChecks    int64
	FailedChecks        int64
	ConsecutiveFailures int

	LastOnline    time.Time
	LastOffline   time.Time
	DowntimeStart time.Time
	LastError     string

	// RemediationTriggered latches once the remediation command has run
	// so a single downtime episode cannot run it twice. Recovery clears
	// it.
	RemediationTriggered bool

	ring []time.Duration
	next int
	full bool
}

// newHealth assumes the project is online until a check proves
// otherwise, so a project that is already down at startup still
// produces an incident transition on its first failed check.
func newHealth(project string) *Health {
	return &Health{
		Project: project,
		Online:  true,
		ring:    make([]time.Duration, responseWindow),
	}
}

// updateOnline records a successful check and reports whether the
// project just recovered from a downtime episode.
func (h *Health) updateOnline(at time.Time, elapsed time.Duration) bool {
	h.TotalChecks++
	h.SuccessfulChecks++
	h.ConsecutiveFailures = 0
	h.LastOnline = at
	h.LastError = ""

	h.ring[h.next] = elapsed
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	recovered := !h.Online
	h.Online = true
	if recovered {
		h.DowntimeStart = time.Time{}
		h.RemediationTriggered = false
	}
	return recovered
}

// updateOffline records a failed check and reports whether this is the
// transition that opened the downtime episode.
func (h *Health) updateOffline(at time.Time, reason string) bool {
	h.TotalChecks++
	h.FailedChecks++
	h.ConsecutiveFailures++
	h.LastOffline = at
	h.LastError = reason

	opened := h.Online
	h.Online = false
	if opened {
		h.DowntimeStart = at
	}
	return opened
}

// uptimePercent is successful checks over total. A project with no
// completed checks reports 100, matching the online-until-proven
// assumption.
func (h *Health) uptimePercent() float64 {
	if h.TotalChecks == 0 {
		return 100
	}
	return 100 * float64(h.SuccessfulChecks) / float64(h.TotalChecks)
}

// averageResponse is the mean over the response-time ring.
func (h *Health) averageResponse() time.Duration {
	n := h.next
	if h.full {
		n = len(h.ring)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.ring[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// downtime is the length of the current offline episode, zero when
// online.
func (h *Health) downtime(now time.Time) time.Duration {
	if h.Online || h.DowntimeStart.IsZero() {
		return 0
	}
	return now.Sub(h.DowntimeStart)
}

// HealthSnapshot is the JSON view of one project, served by the control
// API and rendered on the dashboard.
type HealthSnapshot struct {
	Project              string    `json:"project"`
	Online               bool      `json:"is_online"`
	TotalChecks          int64     `json:"total_checks"`
	SuccessfulChecks     int64     `json:"successful_checks"`
	FailedChecks         int64     `json:"failed_checks"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	UptimePercent        float64   `json:"uptime_percentage"`
	AverageResponseMS    float64   `json:"average_response_ms"`
	LastOnline           time.Time `json:"last_online_time"`
	LastOffline          time.Time `json:"last_offline_time"`
	DowntimeSeconds      float64   `json:"current_downtime_seconds"`
	LastError            string    `json:"last_error,omitempty"`
	RemediationTriggered bool      `json:"remediation_triggered"`
}

func (h *Health) snapshot(now time.Time) HealthSnapshot {
	return HealthSnapshot{
		Project:              h.Project,
		Online:               h.Online,
		TotalChecks:          h.TotalChecks,
		SuccessfulChecks:     h.SuccessfulChecks,
		FailedChecks:         h.FailedChecks,
		ConsecutiveFailures:  h.ConsecutiveFailures,
		UptimePercent:        h.uptimePercent(),
		AverageResponseMS:    float64(h.averageResponse()) / float64(time.Millisecond),
		LastOnline:           h.LastOnline,
		LastOffline:          h.LastOffline,
		DowntimeSeconds:      h.downtime(now).Seconds(),
		LastError:            h.LastError,
		RemediationTriggered: h.RemediationTriggered,
	}
}
