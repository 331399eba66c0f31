package store

import (
	"github.com/cuemby/sentinel/pkg/types"
)

// Store defines the interface for Sentinel's durable pipeline state:
// pending batches that must survive a restart, archived terminal
// batches with their plans, and the backup registry.
type Store interface {
	// Batch identity
	NextBatchID() (int64, error)

	// Pending batches (persisted on shutdown, resumed on start)
	SavePending(batch *types.RemediationBatch) error
	GetPending(id int64) (*types.RemediationBatch, error)
	ListPending() ([]*types.RemediationBatch, error)
	DeletePending(id int64) error

	// Archived batches (terminal, with plan and outcome)
	ArchiveBatch(batch *types.RemediationBatch) error
	GetBatch(id int64) (*types.RemediationBatch, error)
	ListBatches(limit int) ([]*types.RemediationBatch, error)

	// Backup registry
	SaveBackup(info *types.BackupInfo) error
	GetBackup(id string) (*types.BackupInfo, error)
	ListBackups() ([]*types.BackupInfo, error)
	DeleteBackup(id string) error

	// Utility
	Close() error
}
