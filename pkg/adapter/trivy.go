package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

const defaultTrivyCommand = "trivy image --quiet --format json --severity CRITICAL,HIGH,MEDIUM {image}"

// Trivy polls container images with a trivy scan and emits one event
// per finding, or a single summary event when a scan produces more
// findings than the configured cap.
type Trivy struct {
	cfg    config.TrivySource
	run    RunFunc
	logger zerolog.Logger
}

// NewTrivy builds the vulnerability-scan adapter. A nil run falls back
// to the shell runner.
func NewTrivy(cfg config.TrivySource, run RunFunc) *Trivy {
	if cfg.Command == "" {
		cfg.Command = defaultTrivyCommand
	}
	if cfg.FindingCap <= 0 {
		cfg.FindingCap = 5
	}
	if run == nil {
		run = ShellRunner()
	}
	return &Trivy{
		cfg:    cfg,
		run:    run,
		logger: log.WithComponent("adapter.trivy"),
	}
}

func (t *Trivy) Name() string { return "trivy" }

func (t *Trivy) Source() types.EventSource { return types.SourceVulnerabilityScan }

func (t *Trivy) Interval() time.Duration { return time.Duration(t.cfg.Interval) }

// trivyReport is the subset of trivy's JSON output the adapter reads.
type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// trivyFinding pairs one finding's payload with its own severity; the
// event severity comes from the finding, not the scan.
type trivyFinding struct {
	details  types.VulnerabilityDetails
	severity types.Severity
}

// Poll scans every configured image. Any scan or parse failure fails
// the whole poll; the watcher treats that as no news this cycle and
// the next poll rescans everything.
func (t *Trivy) Poll(ctx context.Context) ([]*types.SecurityEvent, error) {
	if len(t.cfg.Images) == 0 {
		return nil, nil
	}

	var findings []trivyFinding
	for _, image := range t.cfg.Images {
		out, err := t.run(ctx, t.commandFor(image))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", image, err)
		}

		var report trivyReport
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			return nil, fmt.Errorf("failed to parse scan report for %s: %w", image, err)
		}
		for _, result := range report.Results {
			for _, v := range result.Vulnerabilities {
				findings = append(findings, trivyFinding{
					details: types.VulnerabilityDetails{
						CVE:              v.VulnerabilityID,
						Package:          v.PkgName,
						InstalledVersion: v.InstalledVersion,
						FixedVersion:     v.FixedVersion,
						Image:            image,
					},
					severity: parseSeverity(v.Severity),
				})
			}
		}
	}

	if len(findings) == 0 {
		return nil, nil
	}
	if len(findings) > t.cfg.FindingCap {
		return []*types.SecurityEvent{t.summaryEvent(findings)}, nil
	}

	events := make([]*types.SecurityEvent, 0, len(findings))
	for i := range findings {
		f := findings[i]
		events = append(events, types.NewSecurityEvent(
			types.SourceVulnerabilityScan,
			"vulnerability",
			f.severity,
			types.EventDetails{Vulnerability: &f.details},
			true,
		))
	}
	return events, nil
}

// summaryEvent rolls a too-large scan into one event whose signature
// is the per-severity count fingerprint.
func (t *Trivy) summaryEvent(findings []trivyFinding) *types.SecurityEvent {
	summary := &types.ScanSummaryDetails{Images: len(t.cfg.Images)}
	highest := types.SeverityUnknown
	for _, f := range findings {
		switch f.severity {
		case types.SeverityCritical:
			summary.Critical++
		case types.SeverityHigh:
			summary.High++
		case types.SeverityMedium:
			summary.Medium++
		}
		highest = types.MaxSeverity(highest, f.severity)
	}
	t.logger.Info().
		Int("findings", len(findings)).
		Int("cap", t.cfg.FindingCap).
		Msg("scan exceeds finding cap, emitting summary event")

	return types.NewSecurityEvent(
		types.SourceVulnerabilityScan,
		"scan_summary",
		highest,
		types.EventDetails{ScanSummary: summary},
		true,
	)
}

// FindingCount rescans one image and returns how many findings remain.
// The vulnerability fixer calls this to verify a fix actually lowered
// the count.
func (t *Trivy) FindingCount(ctx context.Context, image string) (int, error) {
	out, err := t.run(ctx, t.commandFor(image))
	if err != nil {
		return 0, fmt.Errorf("failed to rescan %s: %w", image, err)
	}

	var report trivyReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		return 0, fmt.Errorf("failed to parse rescan report for %s: %w", image, err)
	}

	count := 0
	for _, result := range report.Results {
		count += len(result.Vulnerabilities)
	}
	return count, nil
}

// commandFor substitutes the {image} placeholder, or appends the image
// when the command template has none.
func (t *Trivy) commandFor(image string) string {
	if strings.Contains(t.cfg.Command, "{image}") {
		return strings.ReplaceAll(t.cfg.Command, "{image}", image)
	}
	return t.cfg.Command + " " + image
}
