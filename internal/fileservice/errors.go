package fileservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/BramAlkema/svg2pptx-batch/internal/models"
)

// Class is the closed error classification for file service failures.
// It is the basis of retry policy: transient and rate_limited retry,
// quota_exceeded hands off to the Rate Governor, the rest surface
// immediately.
type Class string

const (
	ClassTransient      Class = "transient"
	ClassRateLimited    Class = "rate_limited"
	ClassQuotaExceeded  Class = "quota_exceeded"
	ClassAuth           Class = "auth"
	ClassNotFound       Class = "not_found"
	ClassPermanentOther Class = "permanent_other"
)

// Error is a classified file service failure.
type Error struct {
	Class       Class
	QuotaReason models.QuotaReason // set when Class is ClassQuotaExceeded
	Op          string             // "create_folder", "upload_file", ...
	Err         error
}

func (e *Error) Error() string {
	if e.QuotaReason != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Class, e.QuotaReason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(op string, class Class, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// NewQuotaError builds a quota_exceeded error with its reason.
func NewQuotaError(op string, reason models.QuotaReason, err error) *Error {
	return &Error{Class: ClassQuotaExceeded, QuotaReason: reason, Op: op, Err: err}
}

// ClassOf returns the classification of err, classifying raw errors that
// did not come through an adapter boundary.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return Classify(err)
}

// QuotaReasonOf extracts the quota reason, defaulting to unknown_quota
// for quota errors that carry none.
func QuotaReasonOf(err error) models.QuotaReason {
	var fe *Error
	if errors.As(err, &fe) && fe.Class == ClassQuotaExceeded {
		if fe.QuotaReason != "" {
			return fe.QuotaReason
		}
		return models.QuotaUnknown
	}
	return models.QuotaUnknown
}

// Classify maps an arbitrary error onto the closed class set using the
// same substring heuristics that proved out against real storage APIs.
// Timeouts and cancellations classify as transient so they enter the
// retry loop.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	errStr := strings.ToLower(err.Error())

	// Quota before rate limiting: quota messages often mention rate limits.
	if strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "storage limit") ||
		strings.Contains(errStr, "dailylimitexceeded") {
		return ClassQuotaExceeded
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "slowdown") ||
		strings.Contains(errStr, "throttl") {
		return ClassRateLimited
	}

	if strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "invalid credentials") ||
		strings.Contains(errStr, "expired token") ||
		strings.Contains(errStr, "authentication failed") {
		return ClassAuth
	}

	if strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "nosuchkey") ||
		strings.Contains(errStr, "nosuchbucket") {
		return ClassNotFound
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "tls handshake") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "internal error") ||
		strings.Contains(errStr, "server busy") {
		return ClassTransient
	}

	return ClassPermanentOther
}

// classifyQuotaReason maps a quota error message onto the backoff table
// reasons.
func classifyQuotaReason(msg string) models.QuotaReason {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "daily"):
		return models.QuotaDailyLimit
	case strings.Contains(lower, "user rate"), strings.Contains(lower, "userratelimit"):
		return models.QuotaUserRateLimit
	case strings.Contains(lower, "rate"):
		return models.QuotaRateLimit
	default:
		return models.QuotaUnknown
	}
}
