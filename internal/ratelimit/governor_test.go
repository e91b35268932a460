package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(perMinute, concurrent int) (*Governor, *fakeClock) {
	g := New("j1", perMinute, concurrent)
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	g.now = clock.now
	return g, clock
}

func TestAcquireRelease(t *testing.T) {
	g, _ := newTestGovernor(10, 2)

	op1, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	op2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if op1 == op2 {
		t.Error("operation IDs not unique")
	}

	// Concurrency cap reached: third admission must block until a release.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() past cap = %v, want deadline exceeded", err)
	}

	g.Release(op1)
	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after Release failed: %v", err)
	}
}

func TestWindowLimit(t *testing.T) {
	g, clock := newTestGovernor(3, 10)

	for i := 0; i < 3; i++ {
		op, err := g.TryAcquire()
		if err != nil {
			t.Fatalf("TryAcquire() %d failed: %v", i, err)
		}
		g.Release(op)
	}

	if _, err := g.TryAcquire(); err == nil {
		t.Fatal("TryAcquire() succeeded past the per-minute window")
	}

	// The window slides: after 61s the old admissions no longer count.
	clock.advance(61 * time.Second)
	if _, err := g.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() after window slide failed: %v", err)
	}
}

func TestQuotaBackoffTable(t *testing.T) {
	tests := []struct {
		reason      models.QuotaReason
		priorCount  int
		wantBackoff time.Duration
	}{
		{models.QuotaDailyLimit, 0, 24 * time.Hour},
		{models.QuotaRateLimit, 0, 60 * time.Minute},
		{models.QuotaRateLimit, 1, 120 * time.Minute},
		{models.QuotaRateLimit, 2, 240 * time.Minute},
		{models.QuotaRateLimit, 3, 480 * time.Minute},
		{models.QuotaRateLimit, 9, 480 * time.Minute},
		{models.QuotaUserRateLimit, 1, 120 * time.Minute},
		{models.QuotaUnknown, 0, 2 * time.Hour},
		{models.QuotaReason("weird"), 0, 2 * time.Hour},
	}
	for _, tt := range tests {
		g, clock := newTestGovernor(10, 5)
		g.quotaRetries = tt.priorCount
		reset := g.RecordQuotaError(tt.reason)
		if got := reset.Sub(clock.now()); got != tt.wantBackoff {
			t.Errorf("RecordQuotaError(%s, retries=%d) backoff = %v, want %v",
				tt.reason, tt.priorCount, got, tt.wantBackoff)
		}
	}
}

func TestQuotaBlocksAdmission(t *testing.T) {
	g, clock := newTestGovernor(10, 5)

	g.RecordQuotaError(models.QuotaRateLimit)

	_, err := g.TryAcquire()
	if !errors.Is(err, ErrQuotaWait) {
		t.Fatalf("TryAcquire() during backoff = %v, want ErrQuotaWait", err)
	}

	clock.advance(61 * time.Minute)
	if _, err := g.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() after reset time failed: %v", err)
	}

	if _, _, waiting := g.QuotaWait(); waiting {
		t.Error("QuotaWait() still reports waiting after reset")
	}
}

func TestAdjustLimitsThrottlesDown(t *testing.T) {
	g, _ := newTestGovernor(10, 10)

	// 9/10 requests in the window pushes utilization past 80%.
	for i := 0; i < 9; i++ {
		op, err := g.TryAcquire()
		if err != nil {
			t.Fatalf("TryAcquire() failed: %v", err)
		}
		g.Release(op)
	}

	g.AdjustLimits()
	perMinute, concurrent := g.Limits()
	if perMinute != 10 {
		// 10*0.8=8 but the floor is 10.
		t.Errorf("perMinute = %d, want floor 10", perMinute)
	}
	if concurrent != 8 {
		t.Errorf("concurrent = %d, want 8", concurrent)
	}
}

func TestAdjustLimitsGrowsWhenIdle(t *testing.T) {
	g, _ := newTestGovernor(100, 10)

	g.AdjustLimits()
	perMinute, concurrent := g.Limits()
	if perMinute != 110 {
		t.Errorf("perMinute = %d, want 110", perMinute)
	}
	if concurrent != 12 {
		t.Errorf("concurrent = %d, want 12", concurrent)
	}

	// Growth is capped.
	for i := 0; i < 20; i++ {
		g.AdjustLimits()
	}
	perMinute, concurrent = g.Limits()
	if perMinute != 150 {
		t.Errorf("perMinute = %d, want cap 150", perMinute)
	}
	if concurrent != 20 {
		t.Errorf("concurrent = %d, want cap 20", concurrent)
	}
}

func TestAdjustLimitsHoldsAfterQuotaError(t *testing.T) {
	g, clock := newTestGovernor(100, 10)

	g.RecordQuotaError(models.QuotaRateLimit)
	clock.advance(61 * time.Minute)
	g.ClearQuota()

	g.AdjustLimits()
	perMinute, concurrent := g.Limits()
	if perMinute != 100 || concurrent != 10 {
		t.Errorf("limits grew to (%d, %d) despite recent quota error", perMinute, concurrent)
	}
}

func TestAdjustLimitsFreezeSpansBackoff(t *testing.T) {
	g, clock := newTestGovernor(100, 10)

	// First rate_limit error backs off for 60 minutes, far longer than
	// the freeze horizon measured from the error itself.
	g.RecordQuotaError(models.QuotaRateLimit)

	clock.advance(30 * time.Minute)
	g.AdjustLimits()
	if perMinute, concurrent := g.Limits(); perMinute != 100 || concurrent != 10 {
		t.Fatalf("limits grew to (%d, %d) mid-backoff", perMinute, concurrent)
	}

	// Backoff expired; the first adjustment clears it but the freeze now
	// runs for the horizon after the clear.
	clock.advance(31 * time.Minute)
	g.AdjustLimits()
	if perMinute, concurrent := g.Limits(); perMinute != 100 || concurrent != 10 {
		t.Fatalf("limits grew to (%d, %d) right after the backoff cleared", perMinute, concurrent)
	}
	if _, _, waiting := g.QuotaWait(); waiting {
		t.Error("QuotaWait() still reports waiting after reset")
	}

	clock.advance(9 * time.Minute)
	g.AdjustLimits()
	if perMinute, concurrent := g.Limits(); perMinute != 100 || concurrent != 10 {
		t.Fatalf("limits grew to (%d, %d) inside the post-clear horizon", perMinute, concurrent)
	}

	clock.advance(2 * time.Minute)
	g.AdjustLimits()
	if perMinute, concurrent := g.Limits(); perMinute != 110 || concurrent != 12 {
		t.Errorf("limits = (%d, %d), want (110, 12) once the horizon passes", perMinute, concurrent)
	}
}

func TestSnapshotRestore(t *testing.T) {
	g, clock := newTestGovernor(50, 5)

	op, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire() failed: %v", err)
	}
	_ = op
	g.RecordQuotaError(models.QuotaUserRateLimit)

	state := g.Snapshot()
	if !state.QuotaExceeded || state.QuotaResetTime == nil {
		t.Fatalf("Snapshot() quota state not captured: %+v", state)
	}
	if state.QuotaRetryCount != 1 {
		t.Errorf("QuotaRetryCount = %d, want 1", state.QuotaRetryCount)
	}
	if len(state.RequestTimestamps) != 1 {
		t.Errorf("RequestTimestamps = %d, want 1", len(state.RequestTimestamps))
	}
	if len(state.ActiveOperations) != 1 {
		t.Errorf("ActiveOperations = %d, want 1", len(state.ActiveOperations))
	}

	restored := Restore("j1", state)
	restored.now = clock.now
	if _, err := restored.TryAcquire(); !errors.Is(err, ErrQuotaWait) {
		t.Errorf("restored governor did not keep quota backoff: %v", err)
	}
	perMinute, concurrent := restored.Limits()
	if perMinute != 50 || concurrent != 5 {
		t.Errorf("restored limits = (%d, %d), want (50, 5)", perMinute, concurrent)
	}
}
