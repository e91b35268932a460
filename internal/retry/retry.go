// Package retry wraps remote calls with error-class-aware retry policy
// and implements job-level recovery for failed uploads.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
	"github.com/BramAlkema/svg2pptx-batch/internal/ratelimit"
)

const (
	// MaxAttempts bounds one wrapped call: the initial attempt plus two
	// retries.
	MaxAttempts = 3

	// BaseDelay is the unit all retry schedules multiply.
	BaseDelay = 5 * time.Second
)

// Engine retries FileService calls according to their error class.
// Quota errors are not retried here; they are recorded on the Governor
// so its backoff gates the next admission.
type Engine struct {
	governor *ratelimit.Governor
	logger   *logging.Logger
	base     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine builds a retry engine. governor may be nil for calls outside
// an upload context (e.g. test_connection).
func NewEngine(governor *ratelimit.Governor) *Engine {
	return &Engine{
		governor: governor,
		logger:   logging.NewLogger("retry"),
		base:     BaseDelay,
		sleep:    sleepCtx,
	}
}

// Do invokes fn up to MaxAttempts times. Transient errors back off
// linearly, rate-limited exponentially. Auth, not-found and other
// permanent errors surface immediately. A quota error is recorded on
// the Governor and surfaced without consuming retry budget.
func (e *Engine) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		class := fileservice.ClassOf(lastErr)
		switch class {
		case fileservice.ClassQuotaExceeded:
			if e.governor != nil {
				e.governor.RecordQuotaError(fileservice.QuotaReasonOf(lastErr))
			}
			return lastErr
		case fileservice.ClassTransient, fileservice.ClassRateLimited:
			if attempt == MaxAttempts-1 {
				break
			}
			delay := e.base * time.Duration(attempt+1)
			if class == fileservice.ClassRateLimited {
				delay = e.base * (1 << attempt)
			}
			e.logger.Debug().
				Str("operation", op).
				Str("class", string(class)).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying after failure")
			metrics.IncRetry()
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return lastErr
		}
	}

	e.logger.Warn().Str("operation", op).Err(lastErr).Msg("Retries exhausted")
	return lastErr
}

// FileRetryDelay is the schedule for single-file recovery retries, keyed
// on the text of the previous failure: quota errors wait longest,
// network blips shortest, everything else backs off exponentially.
func FileRetryDelay(previousError string, attempt int) time.Duration {
	lower := strings.ToLower(previousError)
	switch {
	case strings.Contains(lower, "quota"):
		return BaseDelay * (1 << (attempt + 1))
	case strings.Contains(lower, "network"), strings.Contains(lower, "timeout"):
		return BaseDelay * time.Duration(attempt)
	default:
		return BaseDelay * (1 << attempt)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
