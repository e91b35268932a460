package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

var (
	bucketJobs    = []byte("jobs")
	bucketFolders = []byte("folders")
	bucketFiles   = []byte("files")
)

// fileKeySep joins job ID and filename in the files bucket key. Job IDs
// are opaque caller strings, so a NUL separator avoids ambiguity with
// IDs that contain slashes.
const fileKeySep = "\x00"

// BoltStore implements Store using bbolt. A single writer transaction at
// a time gives the serialization guarantees the data model needs.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "svg2pptx-batch.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketFolders, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutJob upserts a job. CreatedAt is set on first write; UpdatedAt always
// advances to now, which keeps it monotonic and >= CreatedAt.
func (s *BoltStore) PutJob(job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.JobID), data)
	})
}

// GetJob returns the job or ErrNotFound.
func (s *BoltStore) GetJob(jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs, ordered by creation time ascending.
func (s *BoltStore) ListJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job models.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// PutFolderMeta upserts the folder record for a job. The referenced job
// must exist; the check runs inside the same transaction as the write.
func (s *BoltStore) PutFolderMeta(meta *models.FolderMeta) error {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(meta.JobID)) == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, meta.JobID)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFolders).Put([]byte(meta.JobID), data)
	})
}

// GetFolderMeta returns the folder record for a job or ErrNotFound.
func (s *BoltStore) GetFolderMeta(jobID string) (*models.FolderMeta, error) {
	var meta models.FolderMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFolders).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: folder for job %s", ErrNotFound, jobID)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// PutFileMeta upserts a file record keyed by (job ID, original filename).
// The referenced job must exist.
func (s *BoltStore) PutFileMeta(meta *models.FileMeta) error {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(meta.JobID)) == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, meta.JobID)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put(fileKey(meta.JobID, meta.OriginalFilename), data)
	})
}

// GetFileMeta returns one file record or ErrNotFound.
func (s *BoltStore) GetFileMeta(jobID, originalFilename string) (*models.FileMeta, error) {
	var meta models.FileMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get(fileKey(jobID, originalFilename))
		if data == nil {
			return fmt.Errorf("%w: file %s/%s", ErrNotFound, jobID, originalFilename)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListFileMeta returns all file records for a job, ordered by CreatedAt
// ascending (ties broken by filename for determinism).
func (s *BoltStore) ListFileMeta(jobID string) ([]*models.FileMeta, error) {
	var metas []*models.FileMeta
	prefix := fileKey(jobID, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var meta models.FileMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].OriginalFilename < metas[j].OriginalFilename
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}

// ListFileMetaByStatus returns a job's file records filtered by status,
// in the same order as ListFileMeta.
func (s *BoltStore) ListFileMetaByStatus(jobID string, status models.UploadStatus) ([]*models.FileMeta, error) {
	all, err := s.ListFileMeta(jobID)
	if err != nil {
		return nil, err
	}
	filtered := make([]*models.FileMeta, 0, len(all))
	for _, meta := range all {
		if meta.UploadStatus == status {
			filtered = append(filtered, meta)
		}
	}
	return filtered, nil
}

// CountFileMeta returns the number of file records for a job.
func (s *BoltStore) CountFileMeta(jobID string) (int, error) {
	count := 0
	prefix := fileKey(jobID, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func fileKey(jobID, filename string) []byte {
	return []byte(jobID + fileKeySep + filename)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
