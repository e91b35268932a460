// Package convert defines the boundary to the external SVG to PPTX
// converter and a subprocess-based implementation of it.
package convert

import (
	"context"
	"encoding/json"
)

// Options are the conversion options forwarded to the converter. Debug
// tracing is always on for batch jobs; the coordinator enforces that
// before calling.
type Options struct {
	Title      string            `json:"title,omitempty"`
	DebugTrace bool              `json:"debug_trace"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Result is the converter's outcome. On failure Success is false and
// ErrorMessage/ErrorCategory describe the problem.
type Result struct {
	Success         bool            `json:"success"`
	OutputPath      string          `json:"output_path,omitempty"`
	PageCount       int             `json:"page_count,omitempty"`
	OutputSizeBytes int64           `json:"output_size_bytes,omitempty"`
	DebugTrace      json.RawMessage `json:"debug_trace,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorCategory   string          `json:"error_category,omitempty"`
}

// Converter turns a set of SVG inputs into one PPTX artifact.
type Converter interface {
	Convert(ctx context.Context, inputPaths []string, outputPath string, opts Options) (*Result, error)
}
