// Package uploader drives the upload stage: folder hierarchy creation,
// parallel file uploads gated by the Rate Governor, and per-file state
// transitions in the store.
package uploader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/events"
	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/ratelimit"
	"github.com/BramAlkema/svg2pptx-batch/internal/retry"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

// errorSummaryLimit bounds how many per-file errors ride in the result
// summary.
const errorSummaryLimit = 5

// Item is one artifact to upload.
type Item struct {
	OriginalFilename string
	LocalPath        string
}

// FileOutcome is one file's final state after the stage.
type FileOutcome struct {
	OriginalFilename string              `json:"original_filename"`
	Status           models.UploadStatus `json:"status"`
	FileID           string              `json:"file_id,omitempty"`
	FileURL          string              `json:"file_url,omitempty"`
	PreviewURL       string              `json:"preview_url,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// Result aggregates the stage. Success means at least one file made it.
type Result struct {
	Success      bool          `json:"success"`
	FolderID     string        `json:"folder_id,omitempty"`
	FolderURL    string        `json:"folder_url,omitempty"`
	Outcomes     []FileOutcome `json:"outcomes"`
	ErrorSummary []string      `json:"error_summary,omitempty"`
	QuotaWait    bool          `json:"quota_wait,omitempty"`
}

// Uploader runs the upload stage for one job at a time.
type Uploader struct {
	store    store.Store
	svc      fileservice.FileService
	governor *ratelimit.Governor
	engine   *retry.Engine
	bus      *events.EventBus
	preview  bool
	logger   *logging.Logger
	now      func() time.Time
}

// New builds an Uploader. bus may be nil when no one is listening.
func New(st store.Store, svc fileservice.FileService, governor *ratelimit.Governor, bus *events.EventBus, previewOnUpload bool) *Uploader {
	return &Uploader{
		store:    st,
		svc:      svc,
		governor: governor,
		engine:   retry.NewEngine(governor),
		bus:      bus,
		preview:  previewOnUpload,
		logger:   logging.NewLogger("uploader"),
		now:      time.Now,
	}
}

// Upload ensures the folder hierarchy exists and uploads every item
// with bounded parallelism. A single file's failure never cancels its
// siblings. When every item is already completed in the store, the
// stage returns success without a single service call.
func (u *Uploader) Upload(ctx context.Context, job *models.Job, items []Item) (*Result, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no items to upload")
	}

	if done, result := u.alreadyCompleted(job.JobID, items); done {
		u.logger.Info().Str("job_id", job.JobID).Msg("All files already uploaded, nothing to do")
		return result, nil
	}

	folder, err := u.ensureFolder(ctx, job)
	if err != nil {
		return nil, err
	}

	// FileMeta records are created serially in item order so created_at
	// reflects submission order.
	for _, item := range items {
		if _, err := u.store.GetFileMeta(job.JobID, item.OriginalFilename); err == nil {
			continue
		}
		meta := &models.FileMeta{
			JobID:            job.JobID,
			OriginalFilename: item.OriginalFilename,
			LocalPath:        item.LocalPath,
			UploadStatus:     models.UploadPending,
		}
		if err := u.store.PutFileMeta(meta); err != nil {
			return nil, err
		}
	}

	_, workers := u.governor.Limits()
	if workers > len(items) {
		workers = len(items)
	}

	outcomes := make([]FileOutcome, len(items))
	work := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					u.logger.Error().Interface("panic", r).Msg("Upload worker panicked")
				}
			}()
			for idx := range work {
				outcomes[idx] = u.uploadOne(ctx, job, items[idx], folder.FolderID)
				u.governor.AdjustLimits()
			}
		}()
	}

	for idx := range items {
		select {
		case work <- idx:
		case <-ctx.Done():
		}
	}
	close(work)
	wg.Wait()

	_, _, quotaWait := u.governor.QuotaWait()
	result := &Result{
		FolderID:  folder.FolderID,
		FolderURL: folder.FolderURL,
		Outcomes:  outcomes,
		QuotaWait: quotaWait,
	}
	for _, outcome := range outcomes {
		switch outcome.Status {
		case models.UploadCompleted:
			result.Success = true
		case models.UploadFailed:
			if len(result.ErrorSummary) < errorSummaryLimit {
				result.ErrorSummary = append(result.ErrorSummary,
					fmt.Sprintf("%s: %s", outcome.OriginalFilename, outcome.Error))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// alreadyCompleted reports whether every item has a completed FileMeta.
func (u *Uploader) alreadyCompleted(jobID string, items []Item) (bool, *Result) {
	result := &Result{Success: true}
	for _, item := range items {
		meta, err := u.store.GetFileMeta(jobID, item.OriginalFilename)
		if err != nil || meta.UploadStatus != models.UploadCompleted {
			return false, nil
		}
		result.Outcomes = append(result.Outcomes, FileOutcome{
			OriginalFilename: meta.OriginalFilename,
			Status:           models.UploadCompleted,
			FileID:           meta.FileID,
			FileURL:          meta.FileURL,
			PreviewURL:       meta.PreviewURL,
		})
	}
	if folder, err := u.store.GetFolderMeta(jobID); err == nil {
		result.FolderID = folder.FolderID
		result.FolderURL = folder.FolderURL
	}
	return true, result
}

// ensureFolder creates the folder hierarchy for the job's pattern,
// serially, and persists FolderMeta for the final segment. An existing
// FolderMeta short-circuits the whole walk.
func (u *Uploader) ensureFolder(ctx context.Context, job *models.Job) (*fileservice.Folder, error) {
	if meta, err := u.store.GetFolderMeta(job.JobID); err == nil {
		return &fileservice.Folder{FolderID: meta.FolderID, FolderURL: meta.FolderURL}, nil
	}

	pattern := job.FolderPattern
	if pattern == "" {
		pattern = "SVG2PPTX-Batches/{date}/batch-{job_id}/"
	}
	// The date token expands at folder-creation time, not job-creation
	// time. Callers needing a deterministic path pass a materialized
	// pattern.
	expanded := strings.NewReplacer(
		"{date}", u.now().UTC().Format("2006-01-02"),
		"{job_id}", job.JobID,
	).Replace(pattern)

	var segments []string
	for _, seg := range strings.Split(expanded, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("folder pattern %q expands to no segments", pattern)
	}

	var folder *fileservice.Folder
	parentID := ""
	for _, segment := range segments {
		var created *fileservice.Folder
		err := u.engine.Do(ctx, "create_folder", func() error {
			var callErr error
			created, callErr = u.svc.CreateFolder(ctx, segment, parentID)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("folder creation failed at %q: %w", segment, err)
		}
		folder = created
		parentID = created.FolderID
	}

	// Persisted immediately, even though every file may still be
	// pending: a re-run must find the record or it would recreate the
	// remote hierarchy.
	if err := u.store.PutFolderMeta(&models.FolderMeta{
		JobID:     job.JobID,
		FolderID:  folder.FolderID,
		FolderURL: folder.FolderURL,
	}); err != nil {
		return nil, err
	}
	return folder, nil
}

// uploadOne runs one file through pending → in_progress → completed or
// failed, always releasing its Governor slot.
func (u *Uploader) uploadOne(ctx context.Context, job *models.Job, item Item, folderID string) FileOutcome {
	outcome := FileOutcome{OriginalFilename: item.OriginalFilename}

	meta, err := u.store.GetFileMeta(job.JobID, item.OriginalFilename)
	if err != nil {
		outcome.Status = models.UploadFailed
		outcome.Error = err.Error()
		return outcome
	}
	if meta.UploadStatus == models.UploadCompleted {
		outcome.Status = models.UploadCompleted
		outcome.FileID = meta.FileID
		outcome.FileURL = meta.FileURL
		outcome.PreviewURL = meta.PreviewURL
		return outcome
	}

	// During a quota backoff the file stays pending instead of queueing
	// behind a multi-hour Acquire; recovery or a re-run picks it up.
	if reason, until, waiting := u.governor.QuotaWait(); waiting {
		outcome.Status = meta.UploadStatus
		outcome.Error = fmt.Sprintf("quota backoff (%s) until %s", reason, until.Format(time.RFC3339))
		return outcome
	}

	meta.UploadStatus = models.UploadInProgress
	meta.UploadError = ""
	if err := u.store.PutFileMeta(meta); err != nil {
		outcome.Status = models.UploadFailed
		outcome.Error = err.Error()
		return outcome
	}
	u.publishFileEvent(events.EventFileUploadStarted, job.JobID, item.OriginalFilename, "")

	opID, err := u.governor.Acquire(ctx)
	if err != nil {
		return u.failFile(job.JobID, meta, &outcome, err)
	}
	defer u.governor.Release(opID)

	var file *fileservice.File
	started := u.now()
	err = u.engine.Do(ctx, "upload_file", func() error {
		var callErr error
		file, callErr = u.svc.UploadFile(ctx, item.LocalPath, folderID, item.OriginalFilename)
		return callErr
	})
	metrics.ObserveUpload(u.now().Sub(started).Seconds())
	if err != nil {
		if fileservice.ClassOf(err) == fileservice.ClassQuotaExceeded {
			u.publishQuota(job.JobID)
		}
		return u.failFile(job.JobID, meta, &outcome, err)
	}

	meta.UploadStatus = models.UploadCompleted
	meta.FileID = file.FileID
	meta.FileURL = file.FileURL
	outcome.Status = models.UploadCompleted
	outcome.FileID = file.FileID
	outcome.FileURL = file.FileURL
	metrics.UploadFinished("completed")

	if u.preview {
		// Preview failure never fails the file.
		var preview *fileservice.Preview
		previewErr := u.engine.Do(ctx, "request_preview", func() error {
			var callErr error
			preview, callErr = u.svc.RequestPreview(ctx, file.FileID)
			return callErr
		})
		if previewErr != nil {
			u.logger.Warn().
				Str("job_id", job.JobID).
				Str("file", item.OriginalFilename).
				Err(previewErr).
				Msg("Preview request failed")
		} else {
			meta.PreviewURL = preview.PreviewURL
			outcome.PreviewURL = preview.PreviewURL
		}
	}

	if err := u.store.PutFileMeta(meta); err != nil {
		outcome.Error = err.Error()
	}
	u.publishFileEvent(events.EventFileUploadCompleted, job.JobID, item.OriginalFilename, "")
	return outcome
}

func (u *Uploader) failFile(jobID string, meta *models.FileMeta, outcome *FileOutcome, err error) FileOutcome {
	meta.UploadStatus = models.UploadFailed
	meta.UploadError = err.Error()
	if putErr := u.store.PutFileMeta(meta); putErr != nil {
		u.logger.Error().Str("job_id", jobID).Err(putErr).Msg("Failed to persist file failure")
	}
	outcome.Status = models.UploadFailed
	outcome.Error = err.Error()
	metrics.UploadFinished("failed")
	u.publishFileEvent(events.EventFileUploadFailed, jobID, meta.OriginalFilename, err.Error())
	return *outcome
}

func (u *Uploader) publishFileEvent(eventType events.EventType, jobID, filename, errMsg string) {
	if u.bus == nil {
		return
	}
	u.bus.Publish(&events.FileUploadEvent{
		BaseEvent: events.BaseEvent{EventType: eventType, Time: u.now()},
		JobID:     jobID,
		Filename:  filename,
		Error:     errMsg,
	})
}

func (u *Uploader) publishQuota(jobID string) {
	if u.bus == nil {
		return
	}
	reason, until, _ := u.governor.QuotaWait()
	u.bus.Publish(&events.QuotaExceededEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventQuotaExceeded, Time: u.now()},
		JobID:     jobID,
		Reason:    string(reason),
		ResetTime: until,
	})
}
