// Package ratelimit implements the per-job Rate Governor: a sliding
// request-per-minute window, a concurrency cap, quota backoff, and
// utilization-driven limit adjustment. State round-trips through the
// job record so quota waits survive restarts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

const (
	window = time.Minute

	// Adjustment bounds. Limits never adjust above the caps or below the
	// floors regardless of utilization.
	minRequestsPerMinute = 10
	maxRequestsPerMinute = 150
	minConcurrent        = 1
	maxConcurrent        = 20

	highUtilization = 0.8
	lowUtilization  = 0.4

	// A quota error within this horizon blocks upward adjustment.
	recentQuotaHorizon = 10 * time.Minute
)

// ErrQuotaWait reports that admission is blocked by a quota backoff.
// Callers that cannot block (status queries) use it to surface the wait.
var ErrQuotaWait = fmt.Errorf("quota backoff in effect")

// Governor admits upload operations for one job.
type Governor struct {
	mu sync.Mutex

	jobID string

	maxPerMinute  int
	maxConcurrent int

	timestamps []time.Time
	active     map[string]models.ActiveOperation

	quotaExceeded  bool
	quotaResetTime time.Time
	quotaReason    models.QuotaReason
	quotaRetries   int
	lastQuotaAt    time.Time

	logger *logging.Logger
	now    func() time.Time
}

// New builds a Governor with the given initial limits.
func New(jobID string, maxPerMinute, maxConcurrentUploads int) *Governor {
	return &Governor{
		jobID:         jobID,
		maxPerMinute:  maxPerMinute,
		maxConcurrent: maxConcurrentUploads,
		active:        make(map[string]models.ActiveOperation),
		logger:        logging.NewLogger("governor"),
		now:           time.Now,
	}
}

// Acquire blocks until the operation is admitted or ctx is done. On
// success it returns the operation ID the caller must Release.
func (g *Governor) Acquire(ctx context.Context) (string, error) {
	for {
		wait, opID := g.tryAdmit()
		if opID != "" {
			return opID, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire admits without blocking. It returns ErrQuotaWait (with the
// remaining wait) when a quota backoff is in effect, or a zero wait
// admission failure when the window or concurrency cap is full.
func (g *Governor) TryAcquire() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.quotaExceeded {
		if now.Before(g.quotaResetTime) {
			return "", fmt.Errorf("%w: %s until %s", ErrQuotaWait, g.quotaReason, g.quotaResetTime.Format(time.RFC3339))
		}
		g.clearQuotaLocked()
	}

	g.pruneWindowLocked(now)
	if len(g.timestamps) >= g.maxPerMinute || len(g.active) >= g.maxConcurrent {
		return "", fmt.Errorf("at capacity: %d/%d requests, %d/%d active",
			len(g.timestamps), g.maxPerMinute, len(g.active), g.maxConcurrent)
	}
	return g.admitLocked(now), nil
}

// tryAdmit returns either an admitted operation ID or the duration to
// wait before the next attempt.
func (g *Governor) tryAdmit() (time.Duration, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.quotaExceeded {
		if now.Before(g.quotaResetTime) {
			remaining := g.quotaResetTime.Sub(now)
			// Re-check at most every 30s so restored state with a long
			// reset still reacts to manual clears.
			if remaining > 30*time.Second {
				remaining = 30 * time.Second
			}
			return remaining, ""
		}
		g.clearQuotaLocked()
	}

	g.pruneWindowLocked(now)

	if len(g.active) >= g.maxConcurrent {
		return 100 * time.Millisecond, ""
	}
	if len(g.timestamps) >= g.maxPerMinute {
		// Wake when the oldest timestamp leaves the window.
		wait := g.timestamps[0].Add(window).Sub(now)
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		return wait, ""
	}

	return 0, g.admitLocked(now)
}

func (g *Governor) admitLocked(now time.Time) string {
	opID := uuid.New().String()
	g.timestamps = append(g.timestamps, now)
	g.active[opID] = models.ActiveOperation{OperationID: opID, StartedAt: now}
	return opID
}

// Release returns the concurrency slot for an admitted operation.
// Releasing an unknown ID is a no-op.
func (g *Governor) Release(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, opID)
}

// RecordQuotaError enters quota backoff. The reset time follows the
// reason: daily limits wait a day, rate limits back off exponentially
// from an hour up to eight, anything unrecognized waits two hours.
func (g *Governor) RecordQuotaError(reason models.QuotaReason) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var backoff time.Duration
	switch reason {
	case models.QuotaDailyLimit:
		backoff = 24 * time.Hour
	case models.QuotaRateLimit, models.QuotaUserRateLimit:
		minutes := 60
		for i := 0; i < g.quotaRetries; i++ {
			minutes *= 2
			if minutes >= 480 {
				minutes = 480
				break
			}
		}
		backoff = time.Duration(minutes) * time.Minute
	default:
		reason = models.QuotaUnknown
		backoff = 2 * time.Hour
	}

	g.quotaExceeded = true
	g.quotaReason = reason
	g.quotaResetTime = now.Add(backoff)
	g.quotaRetries++
	g.lastQuotaAt = now
	metrics.IncQuotaWait()

	g.logger.Warn().
		Str("job_id", g.jobID).
		Str("reason", string(reason)).
		Time("reset_time", g.quotaResetTime).
		Int("retry_count", g.quotaRetries).
		Msg("Quota exceeded, entering backoff")

	return g.quotaResetTime
}

// QuotaWait reports the active quota backoff, if any.
func (g *Governor) QuotaWait() (reason models.QuotaReason, until time.Time, waiting bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.quotaExceeded || !g.now().Before(g.quotaResetTime) {
		return "", time.Time{}, false
	}
	return g.quotaReason, g.quotaResetTime, true
}

// ClearQuota lifts the backoff, typically after a successful call past
// the reset time.
func (g *Governor) ClearQuota() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearQuotaLocked()
}

func (g *Governor) clearQuotaLocked() {
	if g.quotaExceeded {
		g.logger.Info().Str("job_id", g.jobID).Msg("Quota backoff cleared")
		// The adjustment freeze runs from here, not from the error.
		g.lastQuotaAt = g.now()
	}
	g.quotaExceeded = false
	g.quotaReason = ""
	g.quotaResetTime = time.Time{}
}

// AdjustLimits tunes the limits from observed utilization: high
// utilization of either budget throttles both limits down, low
// utilization grows them. Quota errors in the recent horizon freeze
// adjustment entirely; the backoff table owns that situation.
func (g *Governor) AdjustLimits() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneWindowLocked(now)

	// Frozen for the whole backoff, and for the horizon after it clears.
	// Anchoring the horizon at the error time would let a long backoff
	// outlive its own freeze.
	if g.quotaExceeded {
		if now.Before(g.quotaResetTime) {
			return
		}
		g.clearQuotaLocked()
	}
	if !g.lastQuotaAt.IsZero() && now.Sub(g.lastQuotaAt) < recentQuotaHorizon {
		return
	}

	rateUtil := float64(len(g.timestamps)) / float64(g.maxPerMinute)
	concUtil := float64(len(g.active)) / float64(g.maxConcurrent)
	utilization := rateUtil
	if concUtil > utilization {
		utilization = concUtil
	}

	switch {
	case utilization > highUtilization:
		newRate := int(float64(g.maxPerMinute) * 0.8)
		if newRate < minRequestsPerMinute {
			newRate = minRequestsPerMinute
		}
		newConc := int(float64(g.maxConcurrent) * 0.8)
		if newConc < minConcurrent {
			newConc = minConcurrent
		}
		if newRate != g.maxPerMinute || newConc != g.maxConcurrent {
			g.logger.Debug().
				Str("job_id", g.jobID).
				Float64("utilization", utilization).
				Int("rate", newRate).
				Int("concurrency", newConc).
				Msg("Throttling limits down")
		}
		g.maxPerMinute = newRate
		g.maxConcurrent = newConc

	case utilization < lowUtilization:
		newConc := int(float64(g.maxConcurrent) * 1.2)
		if newConc == g.maxConcurrent {
			newConc++
		}
		if newConc > maxConcurrent {
			newConc = maxConcurrent
		}
		newRate := int(float64(g.maxPerMinute) * 1.1)
		if newRate == g.maxPerMinute {
			newRate++
		}
		if newRate > maxRequestsPerMinute {
			newRate = maxRequestsPerMinute
		}
		g.maxPerMinute = newRate
		g.maxConcurrent = newConc
	}
}

// Limits returns the current limits.
func (g *Governor) Limits() (perMinute, concurrent int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxPerMinute, g.maxConcurrent
}

// Snapshot exports the state for persistence in the job record.
func (g *Governor) Snapshot() *models.RateLimiterState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneWindowLocked(g.now())

	state := &models.RateLimiterState{
		MaxRequestsPerMinute: g.maxPerMinute,
		MaxConcurrentUploads: g.maxConcurrent,
		RequestTimestamps:    append([]time.Time(nil), g.timestamps...),
		QuotaExceeded:        g.quotaExceeded,
		QuotaErrorReason:     g.quotaReason,
		QuotaRetryCount:      g.quotaRetries,
	}
	if g.quotaExceeded {
		reset := g.quotaResetTime
		state.QuotaResetTime = &reset
	}
	for _, op := range g.active {
		state.ActiveOperations = append(state.ActiveOperations, op)
	}
	return state
}

// Restore rebuilds a Governor from persisted state. Active operations
// from a previous process are gone, so they are dropped; the quota
// backoff and window carry over.
func Restore(jobID string, state *models.RateLimiterState) *Governor {
	g := New(jobID, state.MaxRequestsPerMinute, state.MaxConcurrentUploads)
	g.timestamps = append(g.timestamps, state.RequestTimestamps...)
	g.quotaRetries = state.QuotaRetryCount
	if state.QuotaExceeded && state.QuotaResetTime != nil {
		g.quotaExceeded = true
		g.quotaReason = state.QuotaErrorReason
		g.quotaResetTime = *state.QuotaResetTime
		g.lastQuotaAt = g.now()
	}
	return g
}

func (g *Governor) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(g.timestamps) && !g.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.timestamps = append(g.timestamps[:0], g.timestamps[i:]...)
	}
}
