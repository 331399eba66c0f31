package fixer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// Rescanner re-counts findings on an image after a fix. The trivy
// adapter implements it; nil disables count verification.
type Rescanner interface {
	FindingCount(ctx context.Context, image string) (int, error)
}

// VulnerabilityFixer remediates scanner findings: host package
// upgrades, base image refreshes, or both. Verification rescans the
// image and requires the finding count to drop.
type VulnerabilityFixer struct {
	exec    Commander
	backups Snapshotter
	rescan  Rescanner
	rules   []config.StrategyRule
	logger  zerolog.Logger
}

func NewVulnerabilityFixer(exec Commander, backups Snapshotter, rescan Rescanner, rules []config.StrategyRule) *VulnerabilityFixer {
	return &VulnerabilityFixer{
		exec:    exec,
		backups: backups,
		rescan:  rescan,
		rules:   rules,
		logger:  log.WithComponent("fixer.vulnerability"),
	}
}

func (f *VulnerabilityFixer) Source() types.EventSource { return types.SourceVulnerabilityScan }

func (f *VulnerabilityFixer) Fix(ctx context.Context, req Request) (*Result, error) {
	strategy := pickStrategy(f.rules, req)
	result := &Result{Strategy: strategy}

	// a summary event has no single package or image; the only sane
	// move is a system-wide upgrade pass
	if req.Event.Details.ScanSummary != nil {
		if err := f.systemUpgrade(ctx, ""); err != nil {
			return nil, err
		}
		result.Summary = "system-wide package upgrade applied for scan summary"
		result.Verified = true
		return result, nil
	}

	vuln := req.Event.Details.Vulnerability
	if vuln == nil {
		return nil, fmt.Errorf("event %s carries no vulnerability details", req.Event.ID)
	}

	image := vuln.Image
	before := -1
	if f.rescan != nil && image != "" {
		n, err := f.rescan.FindingCount(ctx, image)
		if err != nil {
			f.logger.Warn().Err(err).Str("image", image).Msg("pre-fix scan failed, verification degraded")
		} else {
			before = n
		}
	}

	if image != "" {
		info, err := f.backups.CreateBackup(ctx, "docker:"+image, map[string]string{
			"cve":     vuln.CVE,
			"package": vuln.Package,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to back up image %s: %w", image, err)
		}
		result.BackupIDs = append(result.BackupIDs, info.ID)
	}

	var err error
	switch strategy {
	case "system_upgrade":
		err = f.systemUpgrade(ctx, vuln.Package)
	case "base_image_update":
		err = f.refreshImage(ctx, image)
	case "combined":
		if err = f.systemUpgrade(ctx, vuln.Package); err == nil {
			err = f.refreshImage(ctx, image)
		}
	default: // audit_fix
		err = f.auditFix(ctx, vuln)
	}
	if err != nil {
		f.undo(ctx, result.BackupIDs)
		return nil, err
	}

	if verr := f.verify(ctx, image, before); verr != nil {
		f.undo(ctx, result.BackupIDs)
		return nil, verr
	}

	result.Verified = true
	result.Summary = fmt.Sprintf("%s applied for %s in %s", strategy, vuln.CVE, vuln.Package)
	f.logger.Info().
		Str("strategy", strategy).
		Str("cve", vuln.CVE).
		Str("package", vuln.Package).
		Msg("vulnerability fix applied")
	return result, nil
}

// auditFix upgrades just the vulnerable package to its fixed version
// when one is known, falling back to a plain upgrade of that package.
func (f *VulnerabilityFixer) auditFix(ctx context.Context, vuln *types.VulnerabilityDetails) error {
	cmd := fmt.Sprintf("apt-get install -y --only-upgrade %s", vuln.Package)
	if vuln.FixedVersion != "" {
		cmd = fmt.Sprintf("apt-get install -y %s=%s", vuln.Package, vuln.FixedVersion)
	}
	return f.runLive(ctx, cmd)
}

// systemUpgrade refreshes indexes and upgrades installed packages, or
// one named package when given.
func (f *VulnerabilityFixer) systemUpgrade(ctx context.Context, pkg string) error {
	if err := f.runLive(ctx, "apt-get update"); err != nil {
		return err
	}
	cmd := "apt-get upgrade -y"
	if pkg != "" {
		cmd = fmt.Sprintf("apt-get install -y --only-upgrade %s", pkg)
	}
	return f.runLive(ctx, cmd)
}

// refreshImage pulls the latest tag so the next container start picks
// up the patched base.
func (f *VulnerabilityFixer) refreshImage(ctx context.Context, image string) error {
	if image == "" {
		return fmt.Errorf("plan selected an image strategy but the finding names no image")
	}
	return f.runLive(ctx, "docker pull "+image)
}

func (f *VulnerabilityFixer) runLive(ctx context.Context, cmd string) error {
	res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("command %q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// verify rescans the image and demands the finding count dropped.
// Without a rescanner, a pre-fix count, or an image there is nothing
// to compare, so the commands' own exit codes stand as the check.
func (f *VulnerabilityFixer) verify(ctx context.Context, image string, before int) error {
	if f.rescan == nil || image == "" || before < 0 {
		return nil
	}
	after, err := f.rescan.FindingCount(ctx, image)
	if err != nil {
		return &types.VerificationError{Reason: fmt.Sprintf("rescan of %s failed: %v", image, err)}
	}
	if before > 0 && after >= before {
		return &types.VerificationError{Reason: fmt.Sprintf("%s still has %d finding(s), was %d", image, after, before)}
	}
	return nil
}

func (f *VulnerabilityFixer) undo(ctx context.Context, backupIDs []string) {
	for i := len(backupIDs) - 1; i >= 0; i-- {
		if err := f.backups.RestoreBackup(ctx, backupIDs[i]); err != nil {
			f.logger.Error().Err(err).Str("backup_id", backupIDs[i]).Msg("failed to restore backup after failed fix")
		}
	}
}
