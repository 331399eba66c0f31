package fixer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// FileCategory classifies an integrity finding for dispatch.
type FileCategory string

const (
	CategoryUnauthorized FileCategory = "unauthorized"
	CategorySuspicious   FileCategory = "suspicious"
	CategoryLegitimate   FileCategory = "legitimate"
)

var (
	suspiciousDirs = []string{"/tmp", "/var/tmp", "/dev/shm"}
	systemDirs     = []string{"/bin", "/sbin", "/lib", "/usr/bin", "/usr/sbin", "/usr/lib", "/etc"}
)

// FileFixer handles integrity findings: unauthorized changes are
// restored from the owning repository or the backup registry,
// suspicious files are quarantined (with a malware scan when clamscan
// is installed), and legitimate changes update the baseline.
type FileFixer struct {
	exec          Commander
	backups       Snapshotter
	criticalPaths []string
	projects      []types.Project
	quarantineDir string
	baselineCmd   string
	rules         []config.StrategyRule
	logger        zerolog.Logger
}

func NewFileFixer(exec Commander, backups Snapshotter, cfg config.FileFixer, projects []types.Project, rules []config.StrategyRule) *FileFixer {
	return &FileFixer{
		exec:          exec,
		backups:       backups,
		criticalPaths: cfg.CriticalPaths,
		projects:      projects,
		quarantineDir: cfg.QuarantineDir,
		baselineCmd:   cfg.BaselineUpdateCommand,
		rules:         rules,
		logger:        log.WithComponent("fixer.file"),
	}
}

func (f *FileFixer) Source() types.EventSource { return types.SourceFileIntegrity }

func (f *FileFixer) Fix(ctx context.Context, req Request) (*Result, error) {
	change := req.Event.Details.FileChange
	if change == nil {
		return nil, fmt.Errorf("event %s carries no file change details", req.Event.ID)
	}

	strategy := pickStrategy(f.rules, req)
	category := f.Categorize(change.Path, change.ChangeKind)

	// the default strategy dispatches on the category
	if strategy == "categorize" || strategy == "" {
		switch category {
		case CategoryUnauthorized:
			strategy = "restore"
		case CategorySuspicious:
			strategy = "quarantine"
		default:
			strategy = "update_baseline"
		}
	}

	result := &Result{Strategy: strategy, Summary: fmt.Sprintf("%s change on %s categorized %s", change.ChangeKind, change.Path, category)}

	var err error
	switch strategy {
	case "restore":
		err = f.restore(ctx, change.Path, req, result)
	case "quarantine":
		err = f.quarantine(ctx, change.Path, result)
	default: // update_baseline
		err = f.updateBaseline(ctx)
	}
	if err != nil {
		return nil, err
	}

	result.Verified = true
	f.logger.Info().
		Str("strategy", strategy).
		Str("path", change.Path).
		Str("category", string(category)).
		Msg("file fix applied")
	return result, nil
}

// Categorize grades one finding. Critical-path changes are
// unauthorized; hidden files, scratch-dir files, and additions under
// system directories are suspicious; everything else is legitimate.
func (f *FileFixer) Categorize(path, changeKind string) FileCategory {
	if underAny(path, f.criticalPaths) {
		return CategoryUnauthorized
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return CategorySuspicious
	}
	if underAny(path, suspiciousDirs) {
		return CategorySuspicious
	}
	if changeKind == "added" && underAny(path, systemDirs) {
		return CategorySuspicious
	}
	return CategoryLegitimate
}

// restore rewrites path to its known-good content: from the owning
// project's repository when one covers it, otherwise from the newest
// registered backup. Critical paths restore only when the plan text
// says so explicitly.
func (f *FileFixer) restore(ctx context.Context, path string, req Request, result *Result) error {
	if underAny(path, f.criticalPaths) && !hasApprovalText(req) {
		return types.Refuse("restore of critical path %s requires explicit approval in the plan", path)
	}

	if project := f.owningProject(path); project != nil {
		rel, err := filepath.Rel(project.Path, path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s inside %s: %w", path, project.Path, err)
		}
		cmd := fmt.Sprintf("git -C %s checkout -- %s", project.Path, rel)
		if err := f.runLive(ctx, cmd); err != nil {
			return fmt.Errorf("failed to restore %s from repository %s: %w", path, project.Name, err)
		}
		return f.verifyExists(ctx, path)
	}

	info, err := f.backups.LatestBackup(path)
	if err != nil {
		return fmt.Errorf("no repository or backup covers %s: %w", path, err)
	}
	if err := f.backups.RestoreBackup(ctx, info.ID); err != nil {
		return err
	}
	result.BackupIDs = append(result.BackupIDs, info.ID)
	return f.verifyExists(ctx, path)
}

// quarantine snapshots the file, moves it out of reach and hands the
// copy to clamscan when available. The scan is advisory; its outcome
// is logged, not acted on.
func (f *FileFixer) quarantine(ctx context.Context, path string, result *Result) error {
	info, err := f.backups.CreateBackup(ctx, path, map[string]string{"reason": "quarantine"})
	if err != nil {
		return fmt.Errorf("failed to back up %s before quarantine: %w", path, err)
	}
	result.BackupIDs = append(result.BackupIDs, info.ID)

	dest := filepath.Join(f.quarantineDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().Unix()))
	if err := f.runLive(ctx, "mkdir -p "+f.quarantineDir); err != nil {
		return err
	}
	if err := f.runLive(ctx, fmt.Sprintf("mv %s %s", path, dest)); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", path, err)
	}

	if res, err := f.exec.Execute(ctx, "clamscan "+dest, executor.Options{Sudo: true}); err == nil {
		// clamscan exits 1 when it finds something
		if res.ExitCode == 1 {
			f.logger.Warn().Str("path", dest).Msg("quarantined file flagged by malware scan")
		}
	}

	result.Summary += ", moved to " + dest
	return nil
}

func (f *FileFixer) updateBaseline(ctx context.Context) error {
	if f.baselineCmd == "" {
		return fmt.Errorf("no baseline update command configured")
	}
	if err := f.runLive(ctx, f.baselineCmd); err != nil {
		return &types.VerificationError{Reason: fmt.Sprintf("baseline update failed: %v", err)}
	}
	return nil
}

// owningProject returns the configured project whose path prefixes
// this one, or nil.
func (f *FileFixer) owningProject(path string) *types.Project {
	for i := range f.projects {
		p := &f.projects[i]
		if p.Path != "" && underAny(path, []string{p.Path}) {
			return p
		}
	}
	return nil
}

func (f *FileFixer) verifyExists(ctx context.Context, path string) error {
	res, err := f.exec.Execute(ctx, "test -e "+path, executor.Options{})
	if err != nil {
		return &types.VerificationError{Reason: fmt.Sprintf("post-restore check of %s failed: %v", path, err)}
	}
	if !res.Success() {
		return &types.VerificationError{Reason: fmt.Sprintf("%s missing after restore", path)}
	}
	return nil
}

func (f *FileFixer) runLive(ctx context.Context, cmd string) error {
	res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("command %q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// hasApprovalText reports whether the plan explicitly authorizes the
// critical-path restore.
func hasApprovalText(req Request) bool {
	text := strings.ToLower(phaseText(req) + " " + planText(req))
	return strings.Contains(text, "approved") || strings.Contains(text, "authorized")
}

// underAny reports whether path sits at or below any prefix, on path
// component boundaries.
func underAny(path string, prefixes []string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range prefixes {
		p := filepath.Clean(prefix)
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
