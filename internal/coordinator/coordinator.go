// Package coordinator drives the per-job state machine: download,
// convert, upload, preview, finalize.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/download"
	"github.com/BramAlkema/svg2pptx-batch/internal/events"
	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/ratelimit"
	"github.com/BramAlkema/svg2pptx-batch/internal/report"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
	"github.com/BramAlkema/svg2pptx-batch/internal/uploader"
)

// transitions is the allowed from → to table. Recovery (failed →
// processing) lives in the retry package; cleanup (→ archived) is the
// only writer of archived.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobCreated:               {models.JobProcessing},
	models.JobProcessing:            {models.JobUploading, models.JobCompleted, models.JobFailed},
	models.JobUploading:             {models.JobCompleted, models.JobCompletedUploadFailed, models.JobFailed},
	models.JobFailed:                {models.JobProcessing},
	models.JobCompleted:             {models.JobArchived},
	models.JobCompletedUploadFailed: {models.JobArchived},
}

func canTransition(from, to models.JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// JobResult is the outcome of one coordinator invocation.
type JobResult struct {
	JobID          string                 `json:"job_id"`
	Status         models.JobStatus       `json:"status"`
	Conversion     *convert.Result        `json:"conversion,omitempty"`
	Upload         *uploader.Result       `json:"upload,omitempty"`
	DownloadErrors []download.FetchError  `json:"download_errors,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorType      string                 `json:"error_type,omitempty"`
}

// Coordinator sequences the stages of one job at a time. It is safe to
// share across Task Runner workers; per-job state lives in the store.
type Coordinator struct {
	cfg        *config.Config
	store      store.Store
	downloader *download.Downloader
	converter  convert.Converter
	svc        fileservice.FileService
	bus        *events.EventBus
	reporter   *report.Reporter
	logger     *logging.Logger
}

// New builds a Coordinator.
func New(cfg *config.Config, st store.Store, dl *download.Downloader, conv convert.Converter, svc fileservice.FileService, bus *events.EventBus, reporter *report.Reporter) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		downloader: dl,
		converter:  conv,
		svc:        svc,
		bus:        bus,
		reporter:   reporter,
		logger:     logging.NewLogger("coordinator"),
	}
}

// Run executes one job invocation end to end. Any error that escapes a
// stage moves the job to failed and is surfaced to the caller.
func (c *Coordinator) Run(ctx context.Context, jobID string, urls []string, opts convert.Options) (*JobResult, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("job_not_found: %w", err)
	}

	tracer := report.NewTracer()
	result := &JobResult{JobID: jobID}

	if err := c.transition(job, models.JobProcessing, ""); err != nil {
		return nil, err
	}

	// Download stage.
	endDownload := tracer.Start(report.StageDownload)
	dlResult, err := c.downloader.Fetch(ctx, jobID, urls)
	endDownload()
	if err != nil {
		if ctx.Err() != nil {
			c.attachTrace(job, tracer, nil)
			return c.cancelJob(job, result, err)
		}
		errType := "download_error"
		if strings.Contains(err.Error(), download.ErrTypeValidation) {
			errType = "validation_error"
		}
		return c.failJob(job, result, tracer, errType, err)
	}
	result.DownloadErrors = dlResult.Errors
	if !dlResult.Success {
		return c.failJob(job, result, tracer, "download_error",
			fmt.Errorf("every download failed (%d errors)", len(dlResult.Errors)))
	}
	defer os.RemoveAll(dlResult.TempDir)

	if err := c.checkCancelled(ctx, job, result, tracer); err != nil {
		return result, err
	}

	// Conversion stage. Debug tracing is forced on for batch jobs.
	opts.DebugTrace = true
	artifactDir := filepath.Join(c.cfg.DataDir, "artifacts", jobID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return c.failJob(job, result, tracer, "unexpected_error", err)
	}
	outputPath := filepath.Join(artifactDir, jobID+".pptx")

	endConvert := tracer.Start(report.StageConvert)
	convResult, err := c.converter.Convert(ctx, dlResult.FilePaths, outputPath, opts)
	endConvert()
	if err != nil {
		if ctx.Err() != nil {
			c.attachTrace(job, tracer, nil)
			return c.cancelJob(job, result, err)
		}
		return c.failJob(job, result, tracer, "conversion_error", err)
	}
	result.Conversion = convResult
	if !convResult.Success {
		c.report(report.CategoryPackaging, report.SeverityHigh, convResult.ErrorMessage, "convert")
		c.attachTrace(job, tracer, convResult.DebugTrace)
		if err := c.transition(job, models.JobFailed, convResult.ErrorMessage); err != nil {
			return result, err
		}
		result.Status = models.JobFailed
		result.Error = convResult.ErrorMessage
		result.ErrorType = "conversion_error"
		return result, nil
	}

	if err := c.checkCancelled(ctx, job, result, tracer); err != nil {
		return result, err
	}

	// No drive integration: conversion success finishes the job.
	if !job.DriveIntegrationEnabled {
		c.attachTrace(job, tracer, convResult.DebugTrace)
		if err := c.transition(job, models.JobCompleted, ""); err != nil {
			return result, err
		}
		result.Status = models.JobCompleted
		return result, nil
	}

	// Upload stage.
	if err := c.transition(job, models.JobUploading, ""); err != nil {
		return result, err
	}
	job.DriveUploadStatus = models.DriveInProgress
	if err := c.store.PutJob(job); err != nil {
		return result, err
	}

	if job.FolderPattern == "" {
		job.FolderPattern = c.cfg.FolderPatternDefault
	}
	governor := c.governorFor(job)
	up := uploader.New(c.store, c.svc, governor, c.bus, c.cfg.PreviewOnUpload)

	endUpload := tracer.Start(report.StageUpload)
	upResult, upErr := up.Upload(ctx, job, []uploader.Item{{
		OriginalFilename: filepath.Base(convResult.OutputPath),
		LocalPath:        convResult.OutputPath,
	}})
	endUpload()

	c.persistGovernor(job, governor)
	c.attachTrace(job, tracer, convResult.DebugTrace)
	result.Upload = upResult

	return c.finishUpload(ctx, job, result, upResult, upErr)
}

// ResumeUpload re-drives the upload stage of a job parked in quota
// wait. Download and conversion are not repeated; the artifact paths
// come from the persisted file records.
func (c *Coordinator) ResumeUpload(ctx context.Context, jobID string) (*JobResult, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("job_not_found: %w", err)
	}
	if job.Status != models.JobUploading {
		return nil, fmt.Errorf("job %s is %s, not awaiting upload", jobID, job.Status)
	}
	result := &JobResult{JobID: jobID}

	governor := c.governorFor(job)
	if reason, until, waiting := governor.QuotaWait(); waiting {
		result.Status = job.Status
		result.ErrorType = "quota_exceeded"
		result.Error = fmt.Sprintf("quota backoff (%s) until %s", reason, until.UTC().Format("2006-01-02T15:04:05Z"))
		return result, nil
	}

	metas, err := c.store.ListFileMeta(jobID)
	if err != nil {
		return result, err
	}
	var items []uploader.Item
	for _, meta := range metas {
		if meta.LocalPath == "" {
			continue
		}
		items = append(items, uploader.Item{
			OriginalFilename: meta.OriginalFilename,
			LocalPath:        meta.LocalPath,
		})
	}
	if len(items) == 0 {
		return result, fmt.Errorf("job %s has no resumable files", jobID)
	}

	if job.FolderPattern == "" {
		job.FolderPattern = c.cfg.FolderPatternDefault
	}
	job.DriveUploadStatus = models.DriveInProgress
	if err := c.store.PutJob(job); err != nil {
		return result, err
	}

	up := uploader.New(c.store, c.svc, governor, c.bus, c.cfg.PreviewOnUpload)
	upResult, upErr := up.Upload(ctx, job, items)
	c.persistGovernor(job, governor)
	result.Upload = upResult

	return c.finishUpload(ctx, job, result, upResult, upErr)
}

// finishUpload maps an upload outcome onto the job's final state.
func (c *Coordinator) finishUpload(ctx context.Context, job *models.Job, result *JobResult, upResult *uploader.Result, upErr error) (*JobResult, error) {
	switch {
	case upErr != nil && ctx.Err() != nil:
		return c.cancelJob(job, result, upErr)

	case upErr != nil:
		c.report(report.CategoryUpload, report.SeverityHigh, upErr.Error(), "upload")
		job.DriveUploadStatus = models.DriveFailed
		if err := c.transition(job, models.JobCompletedUploadFailed, upErr.Error()); err != nil {
			return result, err
		}
		result.Status = models.JobCompletedUploadFailed
		result.Error = upErr.Error()
		result.ErrorType = "upload_error"
		return result, nil

	case upResult.QuotaWait && !upResult.Success:
		// The quota backoff owns the job now; it stays uploading until
		// the governor's reset time passes and the job is re-driven.
		c.report(report.CategoryQuota, report.SeverityHigh, "upload blocked by quota", "upload")
		job.DriveUploadStatus = models.DriveQuotaWait
		if err := c.store.PutJob(job); err != nil {
			return result, err
		}
		result.Status = job.Status
		result.ErrorType = "quota_exceeded"
		return result, nil

	case upResult.Success:
		job.DriveUploadStatus = models.DriveCompleted
		if err := c.transition(job, models.JobCompleted, ""); err != nil {
			return result, err
		}
		result.Status = models.JobCompleted
		return result, nil

	default:
		c.report(report.CategoryUpload, report.SeverityHigh, "no file uploaded", "upload")
		job.DriveUploadStatus = models.DriveFailed
		if err := c.transition(job, models.JobCompletedUploadFailed, "no file uploaded"); err != nil {
			return result, err
		}
		result.Status = models.JobCompletedUploadFailed
		result.Error = "no file uploaded"
		result.ErrorType = "upload_error"
		return result, nil
	}
}

// transition validates and persists a status change, then announces it.
func (c *Coordinator) transition(job *models.Job, to models.JobStatus, errMsg string) error {
	if job.Status == to {
		return nil
	}
	if !canTransition(job.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", job.Status, to, job.JobID)
	}
	from := job.Status
	job.Status = to
	if err := c.store.PutJob(job); err != nil {
		job.Status = from
		return err
	}
	c.logger.Info().
		Str("job_id", job.JobID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job transition")
	if to.IsTerminal() || to == models.JobCompletedUploadFailed {
		metrics.JobFinished(string(to))
	}
	if c.bus != nil {
		c.bus.PublishStateChange(job.JobID, string(from), string(to), "", errMsg)
	}
	return nil
}

// failJob is the common unrecoverable-failure path.
func (c *Coordinator) failJob(job *models.Job, result *JobResult, tracer *report.Tracer, errType string, cause error) (*JobResult, error) {
	c.report(categoryFor(errType), report.SeverityHigh, cause.Error(), errType)
	c.attachTrace(job, tracer, nil)
	if err := c.transition(job, models.JobFailed, cause.Error()); err != nil {
		return result, err
	}
	result.Status = models.JobFailed
	result.Error = cause.Error()
	result.ErrorType = errType
	return result, nil
}

// cancelJob performs bounded cleanup for a cancelled job.
func (c *Coordinator) cancelJob(job *models.Job, result *JobResult, cause error) (*JobResult, error) {
	if err := c.transition(job, models.JobFailed, "cancelled"); err != nil {
		return result, err
	}
	result.Status = models.JobFailed
	result.Error = "cancelled"
	result.ErrorType = "cancelled"
	return result, cause
}

func (c *Coordinator) checkCancelled(ctx context.Context, job *models.Job, result *JobResult, tracer *report.Tracer) error {
	if err := ctx.Err(); err == nil {
		return nil
	}
	c.attachTrace(job, tracer, nil)
	_, err := c.cancelJob(job, result, ctx.Err())
	return err
}

// governorFor restores the job's persisted limiter state or starts
// fresh from config.
func (c *Coordinator) governorFor(job *models.Job) *ratelimit.Governor {
	var state models.RateLimiterState
	if ok, err := job.GetMeta(models.MetaKeyRateLimiter, &state); err == nil && ok &&
		state.MaxRequestsPerMinute > 0 && state.MaxConcurrentUploads > 0 {
		return ratelimit.Restore(job.JobID, &state)
	}
	return ratelimit.New(job.JobID, c.cfg.MaxRequestsPerMinute, c.cfg.MaxConcurrentUploads)
}

func (c *Coordinator) persistGovernor(job *models.Job, governor *ratelimit.Governor) {
	if err := job.SetMeta(models.MetaKeyRateLimiter, governor.Snapshot()); err != nil {
		c.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Failed to snapshot limiter state")
	}
}

func (c *Coordinator) attachTrace(job *models.Job, tracer *report.Tracer, converterTrace []byte) {
	if err := job.SetMeta(models.MetaKeyTrace, tracer.Snapshot(converterTrace)); err != nil {
		c.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Failed to attach trace")
	}
}

func (c *Coordinator) report(category report.Category, severity report.Severity, message, stage string) {
	if c.reporter == nil || message == "" {
		return
	}
	c.reporter.Report(category, severity, message, report.Context{Stage: stage}, nil)
}

func categoryFor(errType string) report.Category {
	switch errType {
	case "download_error", "http_error":
		return report.CategoryNetwork
	case "conversion_error":
		return report.CategoryPackaging
	case "upload_error":
		return report.CategoryUpload
	case "validation_error":
		return report.CategoryValidation
	default:
		return report.CategoryUnknown
	}
}
