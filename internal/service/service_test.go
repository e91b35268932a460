package service

import (
	"strings"
	"testing"

	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

type captureDispatcher struct {
	tasks []runner.Task
}

func (d *captureDispatcher) Submit(task runner.Task) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func newService(t *testing.T) (*Service, store.Store, *captureDispatcher) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := &captureDispatcher{}
	return New(st, d), st, d
}

func TestEnqueueValidJob(t *testing.T) {
	svc, st, d := newService(t)
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatal(err)
	}

	err := svc.Enqueue("j1", []string{"https://example.com/a.svg"}, convert.Options{Title: "Q3"})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if len(d.tasks) != 1 || d.tasks[0].JobID != "j1" || d.tasks[0].Options.Title != "Q3" {
		t.Errorf("dispatched = %+v, want one task for j1", d.tasks)
	}
}

func TestEnqueueUnknownJob(t *testing.T) {
	svc, _, d := newService(t)

	err := svc.Enqueue("ghost", []string{"https://example.com/a.svg"}, convert.Options{})
	if err == nil || !strings.Contains(err.Error(), "job_not_found") {
		t.Errorf("Enqueue() error = %v, want job_not_found", err)
	}
	if len(d.tasks) != 0 {
		t.Error("task dispatched for unknown job")
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, st, _ := newService(t)
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatal(err)
	}

	cases := [][]string{
		nil,
		{},
		{"ftp://example.com/a.svg"},
		{"not a url"},
		{"https://example.com/ok.svg", "file:///etc/passwd"},
	}
	for _, urls := range cases {
		err := svc.Enqueue("j1", urls, convert.Options{})
		if err == nil || !strings.Contains(err.Error(), "validation_error") {
			t.Errorf("Enqueue(%v) error = %v, want validation_error", urls, err)
		}
	}
}

func TestProgressCounts(t *testing.T) {
	svc, st, _ := newService(t)
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobUploading, TotalFiles: 4}); err != nil {
		t.Fatal(err)
	}
	statuses := map[string]models.UploadStatus{
		"a.pptx": models.UploadCompleted,
		"b.pptx": models.UploadCompleted,
		"c.pptx": models.UploadFailed,
	}
	for name, status := range statuses {
		if err := st.PutFileMeta(&models.FileMeta{JobID: "j1", OriginalFilename: name, UploadStatus: status}); err != nil {
			t.Fatal(err)
		}
	}

	p, err := svc.Progress("j1")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if p.Total != 4 || p.Completed != 2 || p.Failed != 1 || p.Pending != 1 {
		t.Errorf("progress = %+v, want total 4, completed 2, failed 1, pending 1", p)
	}
	if p.Percent != 50 {
		t.Errorf("percent = %v, want 50", p.Percent)
	}
}

func TestProgressEmptyJob(t *testing.T) {
	svc, st, _ := newService(t)
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatal(err)
	}

	p, err := svc.Progress("j1")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if p.Total != 0 || p.Percent != 0 {
		t.Errorf("progress = %+v, want empty", p)
	}

	if _, err := svc.Progress("ghost"); err == nil {
		t.Error("Progress(ghost) succeeded")
	}
}
