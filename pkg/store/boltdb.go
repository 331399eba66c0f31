package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sentinel/pkg/types"
)

var (
	// Bucket names
	bucketPending  = []byte("pending_batches")
	bucketArchive  = []byte("archived_batches")
	bucketBackups  = []byte("backups")
	bucketSequence = []byte("sequence")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the archive database at path. An
// existing file that cannot be opened or lacks its buckets is reported
// as corrupt state so the caller can decide between quarantine and
// exit code 3.
func NewBoltStore(path string) (*BoltStore, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		if existed {
			return nil, &types.CorruptStateError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPending,
			bucketArchive,
			bucketBackups,
			bucketSequence,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		if existed {
			return nil, &types.CorruptStateError{Path: path, Err: err}
		}
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NextBatchID returns a monotonically increasing batch ID that
// survives restarts.
func (s *BoltStore) NextBatchID() (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequence)
		var err error
		id, err = b.NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch id: %w", err)
	}
	return int64(id), nil
}

// Pending batch operations

func (s *BoltStore) SavePending(batch *types.RemediationBatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return b.Put(itob(batch.ID), data)
	})
}

func (s *BoltStore) GetPending(id int64) (*types.RemediationBatch, error) {
	var batch types.RemediationBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("pending batch %d: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) ListPending() ([]*types.RemediationBatch, error) {
	var batches []*types.RemediationBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		return b.ForEach(func(k, v []byte) error {
			var batch types.RemediationBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
			return nil
		})
	})
	return batches, err
}

func (s *BoltStore) DeletePending(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		return b.Delete(itob(id))
	})
}

// Archive operations

func (s *BoltStore) ArchiveBatch(batch *types.RemediationBatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchive)
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return b.Put(itob(batch.ID), data)
	})
}

func (s *BoltStore) GetBatch(id int64) (*types.RemediationBatch, error) {
	var batch types.RemediationBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchive)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("batch %d: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns up to limit archived batches, newest first.
// limit <= 0 means all.
func (s *BoltStore) ListBatches(limit int) ([]*types.RemediationBatch, error) {
	var batches []*types.RemediationBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketArchive).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var batch types.RemediationBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
			if limit > 0 && len(batches) >= limit {
				return nil
			}
		}
		return nil
	})
	return batches, err
}

// Backup registry operations

func (s *BoltStore) SaveBackup(info *types.BackupInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(info.ID), data)
	})
}

func (s *BoltStore) GetBackup(id string) (*types.BackupInfo, error) {
	var info types.BackupInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("backup %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) ListBackups() ([]*types.BackupInfo, error) {
	var infos []*types.BackupInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.ForEach(func(k, v []byte) error {
			var info types.BackupInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			infos = append(infos, &info)
			return nil
		})
	})
	return infos, err
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.Delete([]byte(id))
	})
}

// itob encodes an int64 as a big-endian key so cursor order matches
// numeric order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
