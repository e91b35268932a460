// Package store provides durable persistence for jobs, folder metadata,
// and per-file upload metadata. Every mutator runs inside a transaction;
// foreign keys are checked logically because the backing engine has no
// constraint support of its own.
package store

import (
	"errors"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrJobNotFound indicates a foreign-key write referenced a missing job.
var ErrJobNotFound = errors.New("job not found")

// ErrStoreUnavailable indicates the backing engine could not be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// Store is the persistence capability of the batch engine.
type Store interface {
	// Jobs
	PutJob(job *models.Job) error
	GetJob(jobID string) (*models.Job, error)
	ListJobs() ([]*models.Job, error)

	// Folder metadata (0..1 per job; requires the job to exist)
	PutFolderMeta(meta *models.FolderMeta) error
	GetFolderMeta(jobID string) (*models.FolderMeta, error)

	// File metadata (keyed by job ID + original filename; requires the job
	// to exist)
	PutFileMeta(meta *models.FileMeta) error
	GetFileMeta(jobID, originalFilename string) (*models.FileMeta, error)
	ListFileMeta(jobID string) ([]*models.FileMeta, error)
	ListFileMetaByStatus(jobID string, status models.UploadStatus) ([]*models.FileMeta, error)
	CountFileMeta(jobID string) (int, error)

	Close() error
}
