package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/store"
	"github.com/cuemby/sentinel/pkg/types"
)

// Config tunes the backup manager.
type Config struct {
	// Root directory for backup files.
	Root string

	// Compression gzips file backups (directory and database backups
	// are always compressed).
	Compression bool

	// RetentionDays drives CleanupOldBackups.
	RetentionDays int

	// MaxSizeMB soft-warns when a created backup exceeds it.
	MaxSizeMB int
}

// Manager creates verifiable snapshots before mutations and restores
// them on rollback. File and directory snapshots are written
// in-process; docker and database snapshots run through the command
// executor so they obey mode, timeout and blocklist rules.
type Manager struct {
	cfg    Config
	store  store.Store
	exec   *executor.Executor
	logger zerolog.Logger
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// NewManager creates the backup root if needed.
func NewManager(cfg Config, st store.Store, exec *executor.Executor) (*Manager, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		exec:   exec,
		logger: log.WithComponent("backup"),
	}, nil
}

// CreateBackup snapshots source and registers the result. The source
// kind is auto-detected: "docker:{image[:tag]}", "db:{name}", or a
// filesystem path (file or directory).
func (m *Manager) CreateBackup(ctx context.Context, source string, metadata map[string]string) (*types.BackupInfo, error) {
	if m.exec.Mode() == types.ModeDryRun {
		return m.syntheticBackup(source, metadata), nil
	}

	info := &types.BackupInfo{
		ID:        uuid.New().String(),
		Source:    source,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{},
	}
	for k, v := range metadata {
		info.Metadata[k] = v
	}

	var err error
	switch {
	case strings.HasPrefix(source, "docker:"):
		info.Type = types.BackupDocker
		err = m.backupDockerImage(ctx, strings.TrimPrefix(source, "docker:"), info)
	case strings.HasPrefix(source, "db:"):
		info.Type = types.BackupDatabase
		err = m.backupDatabase(ctx, strings.TrimPrefix(source, "db:"), info)
	default:
		fi, statErr := os.Stat(source)
		if statErr != nil {
			return nil, fmt.Errorf("backup source not found: %w", statErr)
		}
		if fi.IsDir() {
			info.Type = types.BackupDirectory
			err = m.backupDirectory(source, info)
		} else {
			info.Type = types.BackupFile
			info.Metadata["mode"] = fmt.Sprintf("%04o", fi.Mode().Perm())
			err = m.backupFile(source, info)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to back up %s: %w", source, err)
	}

	if err := m.verifyCreated(info); err != nil {
		return nil, err
	}

	if err := m.store.SaveBackup(info); err != nil {
		return nil, fmt.Errorf("failed to register backup: %w", err)
	}

	m.logger.Info().
		Str("backup_id", info.ID).
		Str("source", source).
		Str("type", string(info.Type)).
		Int64("size_bytes", info.SizeBytes).
		Msg("backup created")
	return info, nil
}

// RestoreBackup restores the snapshot identified by backupID.
func (m *Manager) RestoreBackup(ctx context.Context, backupID string) error {
	info, err := m.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", backupID, err)
	}

	if m.exec.Mode() == types.ModeDryRun || info.Metadata["dry_run"] == "true" {
		m.logger.Info().Str("backup_id", backupID).Str("source", info.Source).
			Msg("dry-run: would restore backup")
		return nil
	}

	switch info.Type {
	case types.BackupFile:
		err = m.restoreFile(info)
	case types.BackupDirectory:
		err = m.restoreDirectory(info)
	case types.BackupDocker:
		err = m.restoreDockerImage(ctx, info)
	case types.BackupDatabase:
		err = m.restoreDatabase(ctx, info)
	default:
		err = fmt.Errorf("unknown backup type %q", info.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", backupID, err)
	}

	m.logger.Info().Str("backup_id", backupID).Str("source", info.Source).Msg("backup restored")
	return nil
}

// LatestBackup returns the newest backup recorded for source, or
// types.ErrNotFound when none exists. The file fixer restores deleted
// files from here when no repository owns the path.
func (m *Manager) LatestBackup(source string) (*types.BackupInfo, error) {
	infos, err := m.store.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var latest *types.BackupInfo
	for _, info := range infos {
		if info.Source != source {
			continue
		}
		if latest == nil || info.CreatedAt.After(latest.CreatedAt) {
			latest = info
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no backup for %s: %w", source, types.ErrNotFound)
	}
	return latest, nil
}

// CreateBatchBackup snapshots every source it can; missing or failed
// items are logged and omitted from the returned map.
func (m *Manager) CreateBatchBackup(ctx context.Context, sources []string) map[string]*types.BackupInfo {
	backups := make(map[string]*types.BackupInfo, len(sources))
	for _, source := range sources {
		info, err := m.CreateBackup(ctx, source, nil)
		if err != nil {
			m.logger.Warn().Str("source", source).Err(err).Msg("batch backup item skipped")
			continue
		}
		backups[source] = info
	}
	return backups
}

// RollbackBatch restores backups in reverse order; it reports true
// only when every restore succeeded.
func (m *Manager) RollbackBatch(ctx context.Context, backupIDs []string) bool {
	ok := true
	for i := len(backupIDs) - 1; i >= 0; i-- {
		if err := m.RestoreBackup(ctx, backupIDs[i]); err != nil {
			m.logger.Error().Str("backup_id", backupIDs[i]).Err(err).Msg("rollback restore failed")
			ok = false
		}
	}
	return ok
}

// CleanupOldBackups removes backups older than the retention window,
// both their artifacts and their registry entries. It returns how many
// were removed.
func (m *Manager) CleanupOldBackups(ctx context.Context) (int, error) {
	infos, err := m.store.ListBackups()
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	removed := 0
	for _, info := range infos {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.removeArtifact(ctx, info); err != nil {
			m.logger.Warn().Str("backup_id", info.ID).Err(err).Msg("failed to remove backup artifact")
			continue
		}
		if err := m.store.DeleteBackup(info.ID); err != nil {
			m.logger.Warn().Str("backup_id", info.ID).Err(err).Msg("failed to deregister backup")
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("backup retention cleanup done")
	}
	return removed, nil
}

func (m *Manager) removeArtifact(ctx context.Context, info *types.BackupInfo) error {
	switch info.Type {
	case types.BackupDocker:
		_, err := m.exec.Execute(ctx, "docker rmi "+info.Path, executor.Options{})
		return err
	default:
		err := os.Remove(info.Path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
}

// verifyCreated enforces the nonzero-size and existing-path invariants
// and soft-warns over the size cap.
func (m *Manager) verifyCreated(info *types.BackupInfo) error {
	if info.SizeBytes <= 0 {
		return fmt.Errorf("backup %s verification failed: zero size", info.ID)
	}
	if info.Type != types.BackupDocker {
		if _, err := os.Stat(info.Path); err != nil {
			return fmt.Errorf("backup %s verification failed: %w", info.ID, err)
		}
	}
	if m.cfg.MaxSizeMB > 0 && info.SizeBytes > int64(m.cfg.MaxSizeMB)*1024*1024 {
		m.logger.Warn().
			Str("backup_id", info.ID).
			Int64("size_bytes", info.SizeBytes).
			Int("max_size_mb", m.cfg.MaxSizeMB).
			Msg("backup exceeds size cap")
	}
	return nil
}

func (m *Manager) syntheticBackup(source string, metadata map[string]string) *types.BackupInfo {
	info := &types.BackupInfo{
		ID:        uuid.New().String(),
		Source:    source,
		Type:      types.BackupFile,
		Path:      filepath.Join(m.cfg.Root, m.artifactName(source, "")),
		SizeBytes: 1,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"dry_run": "true"},
	}
	for k, v := range metadata {
		info.Metadata[k] = v
	}
	if err := m.store.SaveBackup(info); err != nil {
		m.logger.Warn().Err(err).Msg("failed to register dry-run backup")
	}
	m.logger.Info().Str("source", source).Msg("dry-run: would create backup")
	return info
}

// artifactName builds backup_{safe_source}_{YYYYMMDD_HHMMSS}{ext}.
func (m *Manager) artifactName(source, ext string) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(source, "_"), "_")
	stamp := time.Now().Format("20060102_150405")
	return fmt.Sprintf("backup_%s_%s%s", safe, stamp, ext)
}

func (m *Manager) backupDockerImage(ctx context.Context, image string, info *types.BackupInfo) error {
	repo := image
	if idx := strings.LastIndex(image, ":"); idx > 0 && !strings.Contains(image[idx:], "/") {
		repo = image[:idx]
	}
	backupRef := fmt.Sprintf("%s:backup_%s", repo, time.Now().Format("20060102_150405"))

	result, err := m.exec.Execute(ctx, fmt.Sprintf("docker tag %s %s", image, backupRef), executor.Options{})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("docker tag failed: %s", strings.TrimSpace(result.Stderr))
	}

	info.Path = backupRef
	info.Metadata["image"] = image

	sizeResult, err := m.exec.Execute(ctx,
		fmt.Sprintf("docker image inspect --format '{{.Size}}' %s", backupRef), executor.Options{})
	if err == nil && sizeResult.Success() {
		if size, parseErr := strconv.ParseInt(strings.TrimSpace(sizeResult.Stdout), 10, 64); parseErr == nil {
			info.SizeBytes = size
		}
	}
	return nil
}

func (m *Manager) restoreDockerImage(ctx context.Context, info *types.BackupInfo) error {
	image := info.Metadata["image"]
	if image == "" {
		return fmt.Errorf("backup %s has no original image reference", info.ID)
	}
	result, err := m.exec.Execute(ctx, fmt.Sprintf("docker tag %s %s", info.Path, image), executor.Options{})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("docker tag failed: %s", strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (m *Manager) backupDatabase(ctx context.Context, name string, info *types.BackupInfo) error {
	info.Path = filepath.Join(m.cfg.Root, m.artifactName("db_"+name, ".sql.gz"))
	info.Compressed = true
	info.Metadata["database"] = name

	command := fmt.Sprintf("pg_dump %s | gzip > %s", name, info.Path)
	result, err := m.exec.Execute(ctx, command, executor.Options{Timeout: 30 * time.Minute})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("pg_dump failed: %s", strings.TrimSpace(result.Stderr))
	}

	fi, err := os.Stat(info.Path)
	if err != nil {
		return err
	}
	info.SizeBytes = fi.Size()
	return nil
}

func (m *Manager) restoreDatabase(ctx context.Context, info *types.BackupInfo) error {
	name := info.Metadata["database"]
	if name == "" {
		return fmt.Errorf("backup %s has no database name", info.ID)
	}
	command := fmt.Sprintf("gunzip -c %s | psql %s", info.Path, name)
	result, err := m.exec.Execute(ctx, command, executor.Options{Timeout: 30 * time.Minute})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("psql restore failed: %s", strings.TrimSpace(result.Stderr))
	}
	return nil
}
