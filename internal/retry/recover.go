package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

// FileOutcome is one file's recovery result.
type FileOutcome struct {
	OriginalFilename string `json:"original_filename"`
	Recovered        bool   `json:"recovered"`
	Error            string `json:"error,omitempty"`
}

// RecoveryReport summarizes a recovery run.
type RecoveryReport struct {
	JobID     string        `json:"job_id"`
	Attempted int           `json:"attempted"`
	Recovered int           `json:"recovered"`
	Files     []FileOutcome `json:"files"`
}

// AllRecovered reports whether every attempted file succeeded.
func (r *RecoveryReport) AllRecovered() bool {
	return r.Attempted > 0 && r.Recovered == r.Attempted
}

// Recoverer re-drives failed uploads for a job. Recovery is the only
// path that moves a job out of failed.
type Recoverer struct {
	store  store.Store
	svc    fileservice.FileService
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRecoverer builds a Recoverer.
func NewRecoverer(st store.Store, svc fileservice.FileService) *Recoverer {
	return &Recoverer{
		store:  st,
		svc:    svc,
		logger: logging.NewLogger("recover"),
		sleep:  sleepCtx,
	}
}

// Recover reattempts every failed upload of a failed job. The service
// connection is verified first; a dead connection aborts recovery
// without touching any record. On full success the job returns to
// processing with its upload state marked completed.
func (r *Recoverer) Recover(ctx context.Context, jobID string) (*RecoveryReport, error) {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be recovered", jobID, job.Status)
	}

	if err := r.svc.TestConnection(ctx); err != nil {
		return nil, fmt.Errorf("connection precondition failed: %w", err)
	}

	folder, err := r.store.GetFolderMeta(jobID)
	if err != nil {
		return nil, fmt.Errorf("no folder recorded for job %s: %w", jobID, err)
	}

	failed, err := r.store.ListFileMetaByStatus(jobID, models.UploadFailed)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{JobID: jobID, Attempted: len(failed)}
	for _, meta := range failed {
		outcome := FileOutcome{OriginalFilename: meta.OriginalFilename}
		if err := r.retryFile(ctx, meta, folder.FolderID); err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Recovered = true
			report.Recovered++
		}
		report.Files = append(report.Files, outcome)

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	if report.AllRecovered() {
		job.Status = models.JobProcessing
		if job.DriveIntegrationEnabled {
			job.DriveUploadStatus = models.DriveCompleted
		}
		if err := r.store.PutJob(job); err != nil {
			return report, err
		}
		r.logger.Info().Str("job_id", jobID).Int("recovered", report.Recovered).
			Msg("All failed uploads recovered, job back to processing")
	}

	return report, nil
}

// retryFile makes up to MaxAttempts upload attempts for one file, with
// delays keyed on the text of the previous failure.
func (r *Recoverer) retryFile(ctx context.Context, meta *models.FileMeta, folderID string) error {
	prevError := meta.UploadError
	var lastErr error

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := r.sleep(ctx, FileRetryDelay(prevError, attempt)); err != nil {
			return err
		}

		meta.UploadStatus = models.UploadInProgress
		meta.UploadError = ""
		if err := r.store.PutFileMeta(meta); err != nil {
			return err
		}

		file, err := r.svc.UploadFile(ctx, meta.LocalPath, folderID, meta.OriginalFilename)
		if err == nil {
			meta.UploadStatus = models.UploadCompleted
			meta.FileID = file.FileID
			meta.FileURL = file.FileURL
			return r.store.PutFileMeta(meta)
		}

		lastErr = err
		prevError = err.Error()
		meta.UploadStatus = models.UploadFailed
		meta.UploadError = prevError
		if putErr := r.store.PutFileMeta(meta); putErr != nil {
			return putErr
		}

		if class := fileservice.ClassOf(err); class == fileservice.ClassAuth ||
			class == fileservice.ClassNotFound ||
			class == fileservice.ClassPermanentOther {
			break
		}
	}

	return lastErr
}
