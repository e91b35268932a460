package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/ratelimit"
)

// instantSleep records requested delays without waiting.
func instantSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func newTestEngine(g *ratelimit.Governor) (*Engine, *[]time.Duration) {
	e := NewEngine(g)
	var delays []time.Duration
	e.sleep = instantSleep(&delays)
	return e, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e, delays := newTestEngine(nil)

	calls := 0
	err := e.Do(context.Background(), "upload_file", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if calls != 1 || len(*delays) != 0 {
		t.Errorf("calls = %d, delays = %v; want 1 call, no delays", calls, *delays)
	}
}

func TestDoRetriesTransientLinearly(t *testing.T) {
	e, delays := newTestEngine(nil)

	calls := 0
	err := e.Do(context.Background(), "upload_file", func() error {
		calls++
		return fileservice.NewError("upload_file", fileservice.ClassTransient, errors.New("connection reset"))
	})
	if err == nil {
		t.Fatal("Do() succeeded, want exhausted retries")
	}
	if calls != MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, MaxAttempts)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestDoRetriesRateLimitedExponentially(t *testing.T) {
	e, delays := newTestEngine(nil)

	calls := 0
	_ = e.Do(context.Background(), "upload_file", func() error {
		calls++
		return fileservice.NewError("upload_file", fileservice.ClassRateLimited, errors.New("HTTP 429"))
	})
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if calls != MaxAttempts || len(*delays) != len(want) {
		t.Fatalf("calls = %d, delays = %v; want %d calls, delays %v", calls, *delays, MaxAttempts, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	for _, class := range []fileservice.Class{
		fileservice.ClassAuth,
		fileservice.ClassNotFound,
		fileservice.ClassPermanentOther,
	} {
		e, delays := newTestEngine(nil)
		calls := 0
		err := e.Do(context.Background(), "upload_file", func() error {
			calls++
			return fileservice.NewError("upload_file", class, errors.New("nope"))
		})
		if err == nil {
			t.Fatalf("class %s: Do() succeeded", class)
		}
		if calls != 1 || len(*delays) != 0 {
			t.Errorf("class %s: calls = %d, delays = %v; want 1 call, no delays", class, calls, *delays)
		}
	}
}

func TestDoQuotaHandsOffToGovernor(t *testing.T) {
	g := ratelimit.New("j1", 100, 10)
	e, delays := newTestEngine(g)

	calls := 0
	err := e.Do(context.Background(), "upload_file", func() error {
		calls++
		return fileservice.NewQuotaError("upload_file", models.QuotaRateLimit, errors.New("quota exceeded"))
	})
	if err == nil {
		t.Fatal("Do() succeeded, want quota error surfaced")
	}
	if calls != 1 || len(*delays) != 0 {
		t.Errorf("calls = %d, delays = %v; quota must not consume retry budget", calls, *delays)
	}
	if _, _, waiting := g.QuotaWait(); !waiting {
		t.Error("governor did not record the quota backoff")
	}
}

func TestDoRecoversAfterTransient(t *testing.T) {
	e, _ := newTestEngine(nil)

	calls := 0
	err := e.Do(context.Background(), "create_folder", func() error {
		calls++
		if calls < 3 {
			return fileservice.NewError("create_folder", fileservice.ClassTransient, errors.New("HTTP 503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFileRetryDelay(t *testing.T) {
	tests := []struct {
		prevError string
		attempt   int
		want      time.Duration
	}{
		{"quota exceeded for user", 0, 10 * time.Second},
		{"quota exceeded for user", 1, 20 * time.Second},
		{"network unreachable", 0, 0},
		{"network unreachable", 2, 10 * time.Second},
		{"request timeout", 1, 5 * time.Second},
		{"internal server error", 0, 5 * time.Second},
		{"internal server error", 2, 20 * time.Second},
	}
	for _, tt := range tests {
		if got := FileRetryDelay(tt.prevError, tt.attempt); got != tt.want {
			t.Errorf("FileRetryDelay(%q, %d) = %v, want %v", tt.prevError, tt.attempt, got, tt.want)
		}
	}
}
