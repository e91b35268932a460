package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/service"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

type captureDispatcher struct {
	tasks []runner.Task
}

func (d *captureDispatcher) Submit(task runner.Task) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func TestDrainSpool(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	defer st.Close()
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatal(err)
	}

	d := &captureDispatcher{}
	ingress := service.New(st, d)

	spoolDir := t.TempDir()
	good := filepath.Join(spoolDir, "001-j1.json")
	if err := os.WriteFile(good, []byte(`{"job_id":"j1","urls":["https://example.com/a.svg"],"options":{"title":"Q3"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	malformed := filepath.Join(spoolDir, "002-bad.json")
	if err := os.WriteFile(malformed, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	unknownJob := filepath.Join(spoolDir, "003-ghost.json")
	if err := os.WriteFile(unknownJob, []byte(`{"job_id":"ghost","urls":["https://example.com/b.svg"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ignored := filepath.Join(spoolDir, "notes.txt")
	if err := os.WriteFile(ignored, []byte("not a task"), 0o644); err != nil {
		t.Fatal(err)
	}

	drainSpool(spoolDir, ingress)

	if len(d.tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1", len(d.tasks))
	}
	if d.tasks[0].JobID != "j1" || d.tasks[0].Options.Title != "Q3" {
		t.Errorf("task = %+v, want j1 with title Q3", d.tasks[0])
	}

	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Error("accepted task file was not removed")
	}
	if _, err := os.Stat(malformed + ".rejected"); err != nil {
		t.Error("malformed task file was not set aside")
	}
	if _, err := os.Stat(unknownJob + ".rejected"); err != nil {
		t.Error("unknown-job task file was not set aside")
	}
	if _, err := os.Stat(ignored); err != nil {
		t.Error("non-JSON file should be left alone")
	}
}

func TestDrainSpoolRepeatedRunIsIdempotent(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() failed: %v", err)
	}
	defer st.Close()
	if err := st.PutJob(&models.Job{JobID: "j1", Status: models.JobCreated}); err != nil {
		t.Fatal(err)
	}

	d := &captureDispatcher{}
	ingress := service.New(st, d)

	spoolDir := t.TempDir()
	path := filepath.Join(spoolDir, "task.json")
	if err := os.WriteFile(path, []byte(`{"job_id":"j1","urls":["https://example.com/a.svg"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	drainSpool(spoolDir, ingress)
	drainSpool(spoolDir, ingress)

	if len(d.tasks) != 1 {
		t.Errorf("dispatched %d tasks across two drains, want 1", len(d.tasks))
	}
}
