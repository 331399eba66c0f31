/*
Package store provides Sentinel's durable pipeline state using BoltDB.

One embedded database file (archive.db under the state directory)
carries everything the pipeline must not lose across restarts that is
not already a flat state file or a knowledge-base row:

  - Pending batches: persisted on shutdown, re-enqueued on start.
  - Archived batches: every terminal batch with its plan, outcome and
    reason; serves `sentinel replay` and `GET /batches/{id}`.
  - Backup registry: BackupInfo records keyed by ID, so restores and
    retention cleanup work across runs.
  - Batch ID sequence: monotonically increasing IDs that survive
    restarts, keeping queue FIFO tie-breaking stable.

# Architecture

	┌──────────────┐
	│ orchestrator  │── SavePending / ArchiveBatch / NextBatchID
	├──────────────┤
	│ backup        │── SaveBackup / GetBackup / DeleteBackup
	├──────────────┤         │
	│ server, CLI   │── GetBatch / ListBatches
	└──────────────┘         ▼
	                  ┌──────────────┐
	                  │   BoltStore   │  archive.db
	                  │ 4 buckets,    │  (single writer,
	                  │ JSON values   │   read snapshots)
	                  └──────────────┘

# Storage Design

BoltDB (bbolt) provides:
  - ACID transactions via View/Update closures
  - A single file, no server process
  - B+tree buckets; batch keys are big-endian int64 so cursor order is
    numeric order and ListBatches can walk newest-first from Last()

Values are JSON-marshaled domain structs. Schema changes are additive;
unknown fields unmarshal to zero values.

# Corruption Handling

Opening an existing file that bbolt rejects, or one missing its
buckets, returns types.CorruptStateError. cmd/sentinel maps that to
exit code 3; a fresh path that cannot be created is an ordinary error.

# Usage

	s, err := store.NewBoltStore(cfg.ArchivePath())
	if err != nil {
		// types.IsCorruptState(err) ⇒ exit code 3
	}
	defer s.Close()

	id, _ := s.NextBatchID()
	batch := &types.RemediationBatch{ID: id, ...}
	_ = s.SavePending(batch)

# Integration Points

  - pkg/orchestrator: pending persistence, archive, ID allocation
  - pkg/backup: registry reads and writes
  - pkg/server: GET /batches/{id}, GET /status archive counts
  - cmd/sentinel: replay loads archived batches
*/
package store
