// Package report collects structured error records and stage timing
// telemetry for operators.
package report

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
)

// Severity grades an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category places an error in the processing pipeline.
type Category string

const (
	CategoryParsing       Category = "parsing"
	CategoryAnalysis      Category = "analysis"
	CategoryMapping       Category = "mapping"
	CategoryEmbedding     Category = "embedding"
	CategoryPackaging     Category = "packaging"
	CategoryConfiguration Category = "configuration"
	CategoryResource      Category = "resource"
	CategoryValidation    Category = "validation"
	CategoryUpload        Category = "upload"
	CategoryQuota         Category = "quota"
	CategoryAuth          Category = "auth"
	CategoryNetwork       Category = "network"
	CategoryUnknown       Category = "unknown"
)

// Record flags.
const (
	FlagRepeated = "repeated_error"
	FlagCascade  = "error_cascade"
)

// Context describes where an error happened.
type Context struct {
	Stage        string             `json:"stage,omitempty"`
	Operation    string             `json:"operation,omitempty"`
	InputSummary string             `json:"input_summary,omitempty"`
	Timings      map[string]float64 `json:"timings_ms,omitempty"`
}

// Record is one structured error report. Stack traces stay in this
// local store; they are never exposed to external callers.
type Record struct {
	ErrorID             string                 `json:"error_id"`
	Message             string                 `json:"message"`
	Severity            Severity               `json:"severity"`
	Category            Category               `json:"category"`
	Context             Context                `json:"context"`
	ExceptionType       string                 `json:"exception_type,omitempty"`
	StackTrace          string                 `json:"stack_trace,omitempty"`
	RecoverySuggestions []string               `json:"recovery_suggestions,omitempty"`
	DebugInfo           map[string]interface{} `json:"debug_info,omitempty"`
	RelatedErrors       []string               `json:"related_errors,omitempty"`
	Flags               []string               `json:"flags,omitempty"`
	Count               int                    `json:"count"`
	CreatedAt           time.Time              `json:"created_at"`
}

// suggestions is the per-category default advice.
var suggestions = map[Category][]string{
	CategoryParsing:       {"verify the input is well-formed SVG", "re-export the source graphic"},
	CategoryAnalysis:      {"check for unsupported SVG features", "simplify nested groups"},
	CategoryMapping:       {"check coordinate system and viewBox settings"},
	CategoryEmbedding:     {"verify referenced fonts and images are reachable"},
	CategoryPackaging:     {"check available disk space", "retry the conversion"},
	CategoryConfiguration: {"review configuration values against the documented options"},
	CategoryResource:      {"free disk space or memory", "reduce batch size"},
	CategoryValidation:    {"correct the rejected input and resubmit"},
	CategoryUpload:        {"retry the upload", "verify the target folder still exists"},
	CategoryQuota:         {"wait for the quota reset", "reduce concurrency"},
	CategoryAuth:          {"re-authenticate", "verify credentials have not expired"},
	CategoryNetwork:       {"check connectivity and proxy settings", "retry after the network recovers"},
	CategoryUnknown:       {"inspect the stack trace in the error store"},
}

// cascadeWindow and cascadeCount define an error cascade: at least
// three errors within one second.
const (
	cascadeWindow = time.Second
	cascadeCount  = 3
)

// Reporter accumulates error records for one session.
type Reporter struct {
	mu        sync.Mutex
	records   []*Record
	byMessage map[string]*Record
	recent    []time.Time
	logger    *logging.Logger
	now       func() time.Time
}

// NewReporter builds an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{
		byMessage: make(map[string]*Record),
		logger:    logging.NewLogger("report"),
		now:       time.Now,
	}
}

// Report records one error. A message already on file increments its
// count and flags it as repeated instead of adding a duplicate record;
// a burst of distinct errors flags the newest record as a cascade.
func (r *Reporter) Report(category Category, severity Severity, message string, ctx Context, err error) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.recent = append(r.recent, now)
	cutoff := now.Add(-cascadeWindow)
	i := 0
	for i < len(r.recent) && r.recent[i].Before(cutoff) {
		i++
	}
	r.recent = r.recent[i:]

	if existing, ok := r.byMessage[message]; ok {
		existing.Count++
		if !hasFlag(existing, FlagRepeated) {
			existing.Flags = append(existing.Flags, FlagRepeated)
		}
		return existing
	}

	record := &Record{
		ErrorID:             uuid.New().String(),
		Message:             message,
		Severity:            severity,
		Category:            category,
		Context:             ctx,
		RecoverySuggestions: suggestions[category],
		Count:               1,
		CreatedAt:           now,
	}
	if err != nil {
		record.ExceptionType = typeName(err)
		record.StackTrace = string(debug.Stack())
	}
	if len(r.recent) >= cascadeCount {
		record.Flags = append(record.Flags, FlagCascade)
		for _, prev := range r.records[max(0, len(r.records)-cascadeCount+1):] {
			record.RelatedErrors = append(record.RelatedErrors, prev.ErrorID)
		}
	}

	r.records = append(r.records, record)
	r.byMessage[message] = record

	r.logger.Error().
		Str("error_id", record.ErrorID).
		Str("category", string(category)).
		Str("severity", string(severity)).
		Str("stage", ctx.Stage).
		Msg(message)

	return record
}

// Records returns a snapshot of all records in report order.
func (r *Reporter) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, len(r.records))
	copy(out, r.records)
	return out
}

func hasFlag(rec *Record, flag string) bool {
	for _, f := range rec.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func typeName(err error) string {
	return fmt.Sprintf("%T", err)
}
