// Package download fetches SVG inputs into a per-job temp directory,
// validating each response and bounding its size.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
	"github.com/BramAlkema/svg2pptx-batch/internal/httpclient"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
)

// Per-URL error types.
const (
	ErrTypeHTTP       = "http_error"
	ErrTypeDownload   = "download_error"
	ErrTypeValidation = "validation_error"
)

// Download failure reasons.
const (
	ReasonSizeLimit = "size_limit"
	ReasonNotSVG    = "not_svg"
	ReasonNetwork   = "network"
)

// FetchError is one URL's failure.
type FetchError struct {
	URL       string `json:"url"`
	ErrorType string `json:"error_type"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
}

// Result is the outcome of a batch fetch. Success is true when at least
// one URL downloaded; otherwise TempDir has already been removed.
type Result struct {
	Success   bool         `json:"success"`
	FilePaths []string     `json:"file_paths"`
	Errors    []FetchError `json:"errors,omitempty"`
	TempDir   string       `json:"temp_dir,omitempty"`
}

// Downloader fetches URL lists sequentially, preserving deterministic
// filename assignment.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	logger   *logging.Logger
}

// New builds a Downloader from config.
func New(cfg *config.Config) (*Downloader, error) {
	base, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	base.Timeout = cfg.DownloadTimeout()

	return &Downloader{
		client:   httpclient.WithUserAgent(base),
		maxBytes: cfg.MaxDownloadSizeBytes(),
		logger:   logging.NewLogger("download"),
	}, nil
}

// Fetch downloads the URLs in order into a fresh temp directory scoped
// to jobID. An empty URL list is a validation error. When every fetch
// fails (or ctx is cancelled) the temp directory is removed.
func (d *Downloader) Fetch(ctx context.Context, jobID string, urls []string) (*Result, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%s: URL list is empty", ErrTypeValidation)
	}

	tempDir, err := os.MkdirTemp("", "svg2pptx-"+sanitize(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	result := &Result{TempDir: tempDir}
	for i, rawURL := range urls {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(tempDir)
			return nil, err
		}

		dest := filepath.Join(tempDir, filenameFor(rawURL, i))
		if fetchErr := d.fetchOne(ctx, rawURL, dest); fetchErr != nil {
			d.logger.Warn().
				Str("job_id", jobID).
				Str("url", rawURL).
				Str("error_type", fetchErr.ErrorType).
				Str("reason", fetchErr.Reason).
				Msg("Fetch failed")
			result.Errors = append(result.Errors, *fetchErr)
			continue
		}
		result.FilePaths = append(result.FilePaths, dest)
	}

	result.Success = len(result.FilePaths) > 0
	if !result.Success {
		os.RemoveAll(tempDir)
		result.TempDir = ""
	}
	return result, nil
}

// fetchOne downloads and validates a single URL. Validation order:
// HTTP status, size bound, content type (logged only), then the SVG
// marker in the first kilobyte.
func (d *Downloader) fetchOne(ctx context.Context, rawURL, dest string) *FetchError {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchError{URL: rawURL, ErrorType: ErrTypeValidation, Message: err.Error()}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &FetchError{URL: rawURL, ErrorType: ErrTypeDownload, Reason: ReasonNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &FetchError{
			URL:       rawURL,
			ErrorType: ErrTypeHTTP,
			Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !plausiblySVG(ct) {
		d.logger.Debug().Str("url", rawURL).Str("content_type", ct).
			Msg("Unexpected content type, continuing")
	}

	// Read at most one byte past the limit so overage is detectable
	// without buffering an unbounded body.
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return &FetchError{URL: rawURL, ErrorType: ErrTypeDownload, Reason: ReasonNetwork, Message: err.Error()}
	}
	if int64(len(data)) > d.maxBytes {
		return &FetchError{
			URL:       rawURL,
			ErrorType: ErrTypeDownload,
			Reason:    ReasonSizeLimit,
			Message:   fmt.Sprintf("response exceeds %d bytes", d.maxBytes),
		}
	}

	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if !strings.Contains(strings.ToLower(string(head)), "<svg") {
		return &FetchError{
			URL:       rawURL,
			ErrorType: ErrTypeDownload,
			Reason:    ReasonNotSVG,
			Message:   "no <svg> marker in the first kilobyte",
		}
	}

	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return &FetchError{URL: rawURL, ErrorType: ErrTypeDownload, Message: err.Error()}
	}
	return nil
}

func plausiblySVG(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "svg") || strings.Contains(ct, "xml") ||
		strings.Contains(ct, "text/plain") || strings.Contains(ct, "octet-stream")
}

// filenameFor derives a deterministic local filename from the URL path
// stem: sanitized, truncated to 50 characters, suffixed with the index.
func filenameFor(rawURL string, index int) string {
	stem := ""
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" {
			stem = strings.TrimSuffix(base, path.Ext(base))
		}
	}

	stem = sanitize(stem)
	if len(stem) > 50 {
		stem = stem[:50]
	}
	if stem == "" {
		return fmt.Sprintf("file_%d.svg", index)
	}
	return fmt.Sprintf("%s_%d.svg", stem, index)
}

// sanitize keeps [A-Za-z0-9_-], replacing everything else with "_".
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
