package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testBatch(id int64, status types.BatchStatus) *types.RemediationBatch {
	return &types.RemediationBatch{
		ID:        id,
		Status:    status,
		Severity:  types.SeverityHigh,
		CreatedAt: time.Now(),
		Events: []*types.SecurityEvent{
			types.NewSecurityEvent(types.SourceHostIPS, "ban", types.SeverityMedium,
				types.EventDetails{HostBan: &types.HostBanDetails{IP: "203.0.113.9", Jail: "sshd"}},
				false),
		},
	}
}

func TestNextBatchIDMonotonic(t *testing.T) {
	s := newTestStore(t)

	first, err := s.NextBatchID()
	require.NoError(t, err)
	second, err := s.NextBatchID()
	require.NoError(t, err)

	assert.Greater(t, second, first)
}

func TestPendingRoundTrip(t *testing.T) {
	s := newTestStore(t)

	batch := testBatch(7, types.BatchAnalyzing)
	require.NoError(t, s.SavePending(batch))

	got, err := s.GetPending(7)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.ID)
	assert.Equal(t, types.BatchAnalyzing, got.Status)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "host:203.0.113.9:sshd", got.Events[0].Signature())

	pending, err := s.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.DeletePending(7))
	pending, err = s.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestArchiveAndLookup(t *testing.T) {
	s := newTestStore(t)

	batch := testBatch(3, types.BatchCompleted)
	batch.Plan = &types.RemediationPlan{
		Description: "harden sshd jail",
		Confidence:  0.92,
	}
	require.NoError(t, s.ArchiveBatch(batch))

	got, err := s.GetBatch(3)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, 0.92, got.Plan.Confidence)

	_, err = s.GetBatch(99)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListBatchesNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.ArchiveBatch(testBatch(i, types.BatchCompleted)))
	}

	batches, err := s.ListBatches(3)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, int64(5), batches[0].ID)
	assert.Equal(t, int64(4), batches[1].ID)
	assert.Equal(t, int64(3), batches[2].ID)

	all, err := s.ListBatches(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestBackupRegistry(t *testing.T) {
	s := newTestStore(t)

	info := &types.BackupInfo{
		ID:         "b-1",
		Source:     "/etc/nginx/nginx.conf",
		Type:       types.BackupFile,
		Path:       "/var/lib/sentinel/backups/backup_etc_nginx_nginx_conf_20250102_030405.gz",
		SizeBytes:  2048,
		CreatedAt:  time.Now(),
		Compressed: true,
		Metadata:   map[string]string{"sha256": "abc"},
	}
	require.NoError(t, s.SaveBackup(info))

	got, err := s.GetBackup("b-1")
	require.NoError(t, err)
	assert.Equal(t, info.Source, got.Source)
	assert.Equal(t, "abc", got.Metadata["sha256"])

	list, err := s.ListBackups()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteBackup("b-1"))
	_, err = s.GetBackup("b-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestReopenPreservesSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	id1, err := s.NextBatchID()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s2.Close()
	id2, err := s2.NextBatchID()
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}
