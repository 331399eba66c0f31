package planner

import (
	"fmt"
	"strings"

	"github.com/cuemby/sentinel/pkg/types"
)

const planSystemPrompt = `You are a security remediation planner for a production Linux server.
You receive a batch of security events and produce a single coordinated
remediation plan covering all of them.

Respond with ONLY a JSON object, no prose before or after, in this form:

{
  "description": "one paragraph describing the overall remediation",
  "confidence": 0.0,
  "phases": [
    {
      "name": "short phase name",
      "description": "what this phase does",
      "steps": ["concrete step", "..."],
      "estimated_minutes": 0
    }
  ],
  "estimated_duration_minutes": 0,
  "requires_restart": false,
  "rollback_plan": "how to undo the remediation if it fails"
}

Rules:
- confidence is your honest probability (0.0 to 1.0) that the plan fixes
  every event without breaking production services.
- Order phases so related events are handled together and service
  interruptions are minimized.
- Never include destructive steps (rm -rf, mkfs, dd to devices).
- Prefer reversible actions and name the backup or snapshot each phase
  depends on in its description.`

const strategySystemPrompt = `You are a security remediation assistant choosing a fix strategy for a
single security event on a production Linux server.

Respond with ONLY a JSON object, no prose before or after, in this form:

{
  "name": "snake_case_strategy_name",
  "description": "one or two sentences describing the approach",
  "confidence": 0.0
}

Rules:
- confidence is your honest probability (0.0 to 1.0) that the strategy
  resolves the event without collateral damage.
- If prior attempts are listed, pick a materially different approach.`

// buildPlanPrompt renders the batch and any prior attempts into the
// user message. Prior attempts are included so the model proposes a
// different approach instead of repeating a failed one.
func buildPlanPrompt(batch *types.RemediationBatch, attempts []types.RemediationAttempt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Remediation batch %d, overall severity %s, %d event(s):\n\n",
		batch.ID, batch.Severity, len(batch.Events))

	for i, event := range batch.Events {
		fmt.Fprintf(&b, "Event %d:\n%s\n", i+1, describeEvent(event))
	}

	writeAttempts(&b, attempts)

	b.WriteString("\nProduce the coordinated remediation plan as JSON.")
	return b.String()
}

// buildStrategyPrompt renders a single event and its attempt history.
func buildStrategyPrompt(event *types.SecurityEvent, attempts []types.RemediationAttempt) string {
	var b strings.Builder

	b.WriteString("Security event:\n")
	b.WriteString(describeEvent(event))

	writeAttempts(&b, attempts)

	b.WriteString("\nChoose the fix strategy and respond as JSON.")
	return b.String()
}

func writeAttempts(b *strings.Builder, attempts []types.RemediationAttempt) {
	if len(attempts) == 0 {
		return
	}
	b.WriteString("\nPrior attempts that did NOT fully resolve the issue:\n")
	for _, a := range attempts {
		fmt.Fprintf(b, "- attempt %d: strategy %q ended with %s", a.Number, a.Strategy, a.Result)
		if a.Error != "" {
			fmt.Fprintf(b, " (%s)", a.Error)
		}
		b.WriteString("\n")
	}
	b.WriteString("Do not repeat a failed approach.\n")
}

// describeEvent renders one event in a compact, source-aware form. Only
// fields that drive remediation choice are included.
func describeEvent(event *types.SecurityEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "  source: %s\n  type: %s\n  severity: %s\n",
		event.Source, event.Type, event.Severity)

	d := event.Details
	switch {
	case d.Vulnerability != nil:
		v := d.Vulnerability
		fmt.Fprintf(&b, "  cve: %s\n  package: %s\n  installed: %s\n", v.CVE, v.Package, v.InstalledVersion)
		if v.FixedVersion != "" {
			fmt.Fprintf(&b, "  fixed_in: %s\n", v.FixedVersion)
		}
		if v.Image != "" {
			fmt.Fprintf(&b, "  image: %s\n", v.Image)
		}
	case d.ScanSummary != nil:
		s := d.ScanSummary
		fmt.Fprintf(&b, "  scan_totals: %d critical, %d high, %d medium across %d image(s)\n",
			s.Critical, s.High, s.Medium, s.Images)
	case d.NetworkThreat != nil:
		n := d.NetworkThreat
		fmt.Fprintf(&b, "  ip: %s\n  scenario: %s\n", n.IP, n.Scenario)
		if n.Country != "" {
			fmt.Fprintf(&b, "  country: %s\n", n.Country)
		}
	case d.HostBan != nil:
		h := d.HostBan
		fmt.Fprintf(&b, "  ip: %s\n  jail: %s\n", h.IP, h.Jail)
		if h.Failures > 0 {
			fmt.Fprintf(&b, "  failures: %d\n", h.Failures)
		}
	case d.FileChange != nil:
		f := d.FileChange
		fmt.Fprintf(&b, "  path: %s\n  change: %s\n", f.Path, f.ChangeKind)
	}

	for k, v := range d.Extra {
		fmt.Fprintf(&b, "  %s: %s\n", k, v)
	}
	return b.String()
}
