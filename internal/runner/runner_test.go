package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerExecutesSubmittedTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 8)

	exec := ExecutorFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		seen[task.JobID] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	r := New(2, 8, exec, nil)
	r.Start(context.Background())
	defer r.Shutdown(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := r.Submit(Task{JobID: id}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("executed %d distinct jobs, want 3", len(seen))
	}
}

func TestRunnerSurvivesPanics(t *testing.T) {
	done := make(chan struct{}, 2)
	exec := ExecutorFunc(func(ctx context.Context, task Task) error {
		if task.JobID == "boom" {
			panic("worker crash")
		}
		done <- struct{}{}
		return nil
	})

	r := New(1, 4, exec, nil)
	r.Start(context.Background())
	defer r.Shutdown(context.Background())

	if err := r.Submit(Task{JobID: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(Task{JobID: "after"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestRunnerQueueFull(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task Task) error {
		<-block
		return nil
	})

	r := New(1, 1, exec, nil)
	r.Start(context.Background())
	defer func() {
		close(block)
		r.Shutdown(context.Background())
	}()

	// One task occupies the worker, one fills the queue; eventually a
	// submit must be rejected.
	rejected := false
	for i := 0; i < 4; i++ {
		if err := r.Submit(Task{JobID: "t"}); err != nil {
			rejected = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !rejected {
		t.Error("no submission rejected with a full queue")
	}
}

func TestRunnerShutdownDrains(t *testing.T) {
	var executed atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) error {
		time.Sleep(20 * time.Millisecond)
		executed.Add(1)
		return nil
	})

	r := New(2, 8, exec, nil)
	r.Start(context.Background())
	for i := 0; i < 4; i++ {
		if err := r.Submit(Task{JobID: "t"}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if got := executed.Load(); got != 4 {
		t.Errorf("executed = %d, want all 4 drained", got)
	}

	if err := r.Submit(Task{JobID: "late"}); err == nil {
		t.Error("Submit() after shutdown succeeded")
	}
}

func TestRunnerSubmitDuringShutdown(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task) error { return nil })
	r := New(2, 64, exec, nil)
	r.Start(context.Background())

	// Hammer Submit from several goroutines while Shutdown closes the
	// queue; every call must return an error or enqueue, never panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.Submit(Task{JobID: "t"})
			}
		}()
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	wg.Wait()

	if err := r.Submit(Task{JobID: "late"}); err == nil {
		t.Error("Submit() after shutdown succeeded")
	}
}

func TestRunnerPeriodicTick(t *testing.T) {
	var ticks atomic.Int32
	r := New(1, 1, ExecutorFunc(func(ctx context.Context, task Task) error { return nil }),
		func() { ticks.Add(1) })

	// The tick interval is five seconds; just verify the goroutine wiring
	// starts and stops cleanly.
	r.Start(context.Background())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	_ = ticks.Load()
}

func TestSyncDispatcher(t *testing.T) {
	var got Task
	d := &SyncDispatcher{Exec: ExecutorFunc(func(ctx context.Context, task Task) error {
		got = task
		return errors.New("surfaced")
	})}

	err := d.Submit(Task{JobID: "j1", URLs: []string{"u"}})
	if err == nil || err.Error() != "surfaced" {
		t.Errorf("Submit() error = %v, want surfaced executor error", err)
	}
	if got.JobID != "j1" {
		t.Errorf("task = %+v, want j1", got)
	}
}
