package store

import (
	"errors"
	"testing"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestPutJobSetsTimestamps verifies CreatedAt is set once and UpdatedAt
// advances on every write.
func TestPutJobSetsTimestamps(t *testing.T) {
	s := newTestStore(t)

	job := &models.Job{JobID: "j1", Status: models.JobCreated, TotalFiles: 2}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("PutJob() failed: %v", err)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on first write")
	}
	firstUpdated := job.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	if err := s.PutJob(job); err != nil {
		t.Fatalf("PutJob() second write failed: %v", err)
	}
	if !job.UpdatedAt.After(firstUpdated) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", firstUpdated, job.UpdatedAt)
	}
	if job.UpdatedAt.Before(job.CreatedAt) {
		t.Error("UpdatedAt < CreatedAt")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := &models.Job{
		JobID:                   "j1",
		Status:                  models.JobProcessing,
		TotalFiles:              3,
		DriveIntegrationEnabled: true,
		DriveUploadStatus:       models.DrivePending,
		FolderPattern:           "Batches/{date}/{job_id}",
	}
	if err := job.SetMeta(models.MetaKeyRateLimiter, &models.RateLimiterState{
		MaxRequestsPerMinute: 100,
		MaxConcurrentUploads: 10,
	}); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("PutJob() failed: %v", err)
	}

	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != models.JobProcessing || got.TotalFiles != 3 {
		t.Errorf("GetJob() = %+v, fields mismatch", got)
	}

	var rl models.RateLimiterState
	ok, err := got.GetMeta(models.MetaKeyRateLimiter, &rl)
	if err != nil || !ok {
		t.Fatalf("GetMeta() = %v, %v", ok, err)
	}
	if rl.MaxRequestsPerMinute != 100 {
		t.Errorf("rate limiter state not round-tripped: %+v", rl)
	}
}

// TestFolderMetaRequiresJob verifies the logical foreign-key check.
func TestFolderMetaRequiresJob(t *testing.T) {
	s := newTestStore(t)

	err := s.PutFolderMeta(&models.FolderMeta{JobID: "ghost", FolderID: "F1"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("PutFolderMeta() error = %v, want ErrJobNotFound", err)
	}

	if err := s.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatalf("PutJob() failed: %v", err)
	}
	if err := s.PutFolderMeta(&models.FolderMeta{JobID: "j1", FolderID: "F1", FolderURL: "https://drive/F1"}); err != nil {
		t.Fatalf("PutFolderMeta() failed: %v", err)
	}

	meta, err := s.GetFolderMeta("j1")
	if err != nil {
		t.Fatalf("GetFolderMeta() failed: %v", err)
	}
	if meta.FolderID != "F1" {
		t.Errorf("FolderID = %q, want F1", meta.FolderID)
	}
}

func TestFileMetaRequiresJob(t *testing.T) {
	s := newTestStore(t)

	err := s.PutFileMeta(&models.FileMeta{JobID: "ghost", OriginalFilename: "a.pptx"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("PutFileMeta() error = %v, want ErrJobNotFound", err)
	}
}

// TestListFileMetaOrdering verifies CreatedAt-ascending ordering.
func TestListFileMetaOrdering(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatalf("PutJob() failed: %v", err)
	}

	names := []string{"c.pptx", "a.pptx", "b.pptx"}
	for _, name := range names {
		if err := s.PutFileMeta(&models.FileMeta{
			JobID:            "j1",
			OriginalFilename: name,
			UploadStatus:     models.UploadPending,
		}); err != nil {
			t.Fatalf("PutFileMeta(%s) failed: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	metas, err := s.ListFileMeta("j1")
	if err != nil {
		t.Fatalf("ListFileMeta() failed: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("ListFileMeta() returned %d records, want 3", len(metas))
	}
	for i, want := range names {
		if metas[i].OriginalFilename != want {
			t.Errorf("position %d = %q, want %q (creation order)", i, metas[i].OriginalFilename, want)
		}
	}
}

func TestListFileMetaByStatus(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatalf("PutJob() failed: %v", err)
	}
	statuses := map[string]models.UploadStatus{
		"a.pptx": models.UploadCompleted,
		"b.pptx": models.UploadFailed,
		"c.pptx": models.UploadFailed,
	}
	for name, status := range statuses {
		if err := s.PutFileMeta(&models.FileMeta{JobID: "j1", OriginalFilename: name, UploadStatus: status}); err != nil {
			t.Fatalf("PutFileMeta(%s) failed: %v", name, err)
		}
	}

	failed, err := s.ListFileMetaByStatus("j1", models.UploadFailed)
	if err != nil {
		t.Fatalf("ListFileMetaByStatus() failed: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("failed count = %d, want 2", len(failed))
	}

	count, err := s.CountFileMeta("j1")
	if err != nil {
		t.Fatalf("CountFileMeta() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("CountFileMeta() = %d, want 3", count)
	}
}

// TestFileMetaIsolationBetweenJobs verifies the key prefix does not leak
// records across jobs with similar IDs.
func TestFileMetaIsolationBetweenJobs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"job", "job2"} {
		if err := s.PutJob(&models.Job{JobID: id, Status: models.JobCreated}); err != nil {
			t.Fatalf("PutJob(%s) failed: %v", id, err)
		}
	}
	if err := s.PutFileMeta(&models.FileMeta{JobID: "job", OriginalFilename: "x.pptx", UploadStatus: models.UploadPending}); err != nil {
		t.Fatalf("PutFileMeta() failed: %v", err)
	}
	if err := s.PutFileMeta(&models.FileMeta{JobID: "job2", OriginalFilename: "y.pptx", UploadStatus: models.UploadPending}); err != nil {
		t.Fatalf("PutFileMeta() failed: %v", err)
	}

	metas, err := s.ListFileMeta("job")
	if err != nil {
		t.Fatalf("ListFileMeta() failed: %v", err)
	}
	if len(metas) != 1 || metas[0].OriginalFilename != "x.pptx" {
		t.Errorf("ListFileMeta(job) = %d records, want only x.pptx", len(metas))
	}
}
