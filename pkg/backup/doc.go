// Package backup snapshots targets before remediation touches them and
// restores those snapshots when a fix goes wrong.
//
// Architecture:
//
//	                 CreateBackup(target)
//	                        |
//	         +--------------+---------------+------------------+
//	         |              |               |                  |
//	      file           directory       docker:<image>     db:<name>
//	    (gzip copy)      (tar.gz)       (tag side copy)    (pg_dump|gzip)
//	         |              |               |                  |
//	         +--------------+-------+-------+------------------+
//	                                |
//	                         verifyCreated
//	                 (nonzero size, artifact exists)
//	                                |
//	                        store.SaveBackup
//	                       (registry, BoltDB)
//
// # Backup Types
//
// The target string selects the snapshot strategy:
//
//   - "docker:<image>" tags the image to a backup reference. No file is
//     written; Path holds the backup image name and restore re-tags it
//     back over the original reference.
//   - "db:<database>" shells out to pg_dump piped through gzip. Restore
//     feeds the dump back through psql.
//   - A path naming a directory becomes a tar.gz archive of the whole
//     tree. Restore replaces the directory wholesale so files created
//     after the snapshot do not survive.
//   - Any other path is treated as a single file, copied (gzip-compressed
//     when enabled) with its mode and a SHA-256 digest recorded in the
//     metadata.
//
// # Verification
//
// Every successful CreateBackup passes verifyCreated: the artifact must
// exist on disk (docker backups are exempt) and report a size greater
// than zero. A backup that cannot be verified is treated as if it never
// happened, so callers never hold a BackupInfo they cannot restore from.
// Artifacts larger than MaxSizeMB log a warning but are kept.
//
// File restores re-hash the restored bytes and compare against the
// digest captured at backup time. A mismatch returns
// *types.VerificationError, which the orchestrator treats as a signal
// to roll back and retry.
//
// # Dry-Run
//
// When the wired executor runs in DRY_RUN mode, CreateBackup returns a
// synthetic BackupInfo (metadata dry_run=true) without touching the
// filesystem, and RestoreBackup refuses to overwrite anything for such
// entries. Replaying a batch can therefore never clobber live data.
//
// # Batch Operations
//
// CreateBatchBackup snapshots a list of targets best-effort: targets
// that fail to back up are logged and omitted rather than aborting the
// batch. RollbackBatch restores a list of backup IDs in reverse order,
// mirroring how the fixes were applied, and reports whether every
// restore succeeded.
//
// CleanupOldBackups removes artifacts and registry entries older than
// the configured retention window (default seven days).
//
// # Usage
//
//	m, err := backup.NewManager(backup.Config{
//		Root:          "/var/lib/sentinel/backups",
//		Compression:   true,
//		RetentionDays: 7,
//	}, st, exec)
//	if err != nil {
//		return err
//	}
//
//	info, err := m.CreateBackup(ctx, "/etc/nginx/nginx.conf", map[string]string{
//		"batch": "42",
//	})
//	if err != nil {
//		return err
//	}
//
//	// ... apply the fix; on verification failure:
//	if err := m.RestoreBackup(ctx, info.ID); err != nil {
//		return err
//	}
//
// # Integration Points
//
//   - pkg/fixer: snapshots targets before each strategy mutates them
//   - pkg/orchestrator: rolls back batches after final failures
//   - pkg/store: persists the backup registry across restarts
//   - pkg/executor: runs docker, pg_dump and psql commands
package backup
