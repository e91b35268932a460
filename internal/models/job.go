// Package models defines the persistent records of the batch engine:
// jobs, their Drive folder metadata, and per-file upload metadata.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobCreated               JobStatus = "created"
	JobProcessing            JobStatus = "processing"
	JobUploading             JobStatus = "uploading"
	JobCompleted             JobStatus = "completed"
	JobCompletedUploadFailed JobStatus = "completed_upload_failed"
	JobFailed                JobStatus = "failed"
	JobArchived              JobStatus = "archived"
)

// IsTerminal reports whether the status is write-locked for everything
// except recovery and cleanup.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobArchived
}

// DriveUploadStatus tracks the Drive upload sub-state of a job.
type DriveUploadStatus string

const (
	DriveNotRequested DriveUploadStatus = "not_requested"
	DrivePending      DriveUploadStatus = "pending"
	DriveInProgress   DriveUploadStatus = "in_progress"
	DriveCompleted    DriveUploadStatus = "completed"
	DriveFailed       DriveUploadStatus = "failed"
	DriveQuotaWait    DriveUploadStatus = "quota_wait"
)

// Job is a batch conversion job. JobID is caller-supplied and immutable.
// Metadata is opaque to external callers; the Rate Governor and the Tracer
// each maintain a typed sub-document inside it (see MetaKeyRateLimiter and
// MetaKeyTrace).
type Job struct {
	JobID                   string                     `json:"job_id"`
	Status                  JobStatus                  `json:"status"`
	TotalFiles              int                        `json:"total_files"`
	DriveIntegrationEnabled bool                       `json:"drive_integration_enabled"`
	DriveUploadStatus       DriveUploadStatus          `json:"drive_upload_status"`
	FolderPattern           string                     `json:"folder_pattern,omitempty"`
	CreatedAt               time.Time                  `json:"created_at"`
	UpdatedAt               time.Time                  `json:"updated_at"`
	Metadata                map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Well-known Job.Metadata keys.
const (
	MetaKeyRateLimiter = "rate_limiter"
	MetaKeyTrace       = "trace"
)

// SetMeta marshals v into the named metadata slot.
func (j *Job) SetMeta(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if j.Metadata == nil {
		j.Metadata = make(map[string]json.RawMessage)
	}
	j.Metadata[key] = data
	return nil
}

// GetMeta unmarshals the named metadata slot into v.
// Returns false if the slot is absent.
func (j *Job) GetMeta(key string, v interface{}) (bool, error) {
	raw, ok := j.Metadata[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// FolderMeta records the Drive folder created for a job (at most one per job).
type FolderMeta struct {
	JobID     string    `json:"job_id"`
	FolderID  string    `json:"folder_id"`
	FolderURL string    `json:"folder_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UploadStatus is the per-file upload state.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadInProgress UploadStatus = "in_progress"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// FileMeta records one file's upload outcome. Keyed by
// (JobID, OriginalFilename); OriginalFilename is unique within a job.
type FileMeta struct {
	JobID            string       `json:"job_id"`
	OriginalFilename string       `json:"original_filename"`
	LocalPath        string       `json:"local_path,omitempty"`
	FileID           string       `json:"file_id,omitempty"`
	FileURL          string       `json:"file_url,omitempty"`
	PreviewURL       string       `json:"preview_url,omitempty"`
	UploadStatus     UploadStatus `json:"upload_status"`
	UploadError      string       `json:"upload_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// QuotaReason classifies a quota_exceeded error from the file service.
type QuotaReason string

const (
	QuotaDailyLimit    QuotaReason = "daily_limit"
	QuotaRateLimit     QuotaReason = "rate_limit"
	QuotaUserRateLimit QuotaReason = "user_rate_limit"
	QuotaUnknown       QuotaReason = "unknown_quota"
)

// ActiveOperation is one in-flight upload admitted by the Rate Governor.
type ActiveOperation struct {
	OperationID string    `json:"operation_id"`
	StartedAt   time.Time `json:"started_at"`
}

// RateLimiterState is the Governor's per-job persisted state. It lives in
// Job.Metadata under MetaKeyRateLimiter so operators can inspect quota
// status from the store.
type RateLimiterState struct {
	MaxRequestsPerMinute int               `json:"max_requests_per_minute"`
	MaxConcurrentUploads int               `json:"max_concurrent_uploads"`
	RequestTimestamps    []time.Time       `json:"request_timestamps,omitempty"`
	ActiveOperations     []ActiveOperation `json:"active_operations,omitempty"`
	QuotaExceeded        bool              `json:"quota_exceeded"`
	QuotaResetTime       *time.Time        `json:"quota_reset_time,omitempty"`
	QuotaErrorReason     QuotaReason       `json:"quota_error_reason,omitempty"`
	QuotaRetryCount      int               `json:"quota_retry_count"`
}

// Progress summarizes FileMeta counts for a job.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}
