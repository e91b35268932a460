package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
)

const validSVG = `<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"><rect/></svg>`

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MaxDownloadSizeMB = 1
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d
}

func TestFetchHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write([]byte(validSVG))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	result, err := d.Fetch(context.Background(), "j1", []string{
		srv.URL + "/charts/revenue.svg",
		srv.URL + "/charts/costs.svg",
	})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(result.TempDir) })

	if !result.Success || len(result.FilePaths) != 2 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v, want 2 clean downloads", result)
	}
	if got := filepath.Base(result.FilePaths[0]); got != "revenue_0.svg" {
		t.Errorf("first filename = %q, want revenue_0.svg", got)
	}
	if got := filepath.Base(result.FilePaths[1]); got != "costs_1.svg" {
		t.Errorf("second filename = %q, want costs_1.svg", got)
	}

	data, err := os.ReadFile(result.FilePaths[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != validSVG {
		t.Error("downloaded content does not match served content")
	}
}

func TestFetchPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(validSVG))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	result, err := d.Fetch(context.Background(), "j1", []string{
		srv.URL + "/a.svg",
		srv.URL + "/missing.svg",
		srv.URL + "/c.svg",
	})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(result.TempDir) })

	if !result.Success || len(result.FilePaths) != 2 {
		t.Fatalf("result = %+v, want partial success with 2 paths", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].ErrorType != ErrTypeHTTP {
		t.Errorf("errors = %+v, want one http_error", result.Errors)
	}
}

func TestFetchAllFailCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	result, err := d.Fetch(context.Background(), "j1", []string{srv.URL + "/a.svg", srv.URL + "/b.svg"})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if result.Success {
		t.Error("Success = true, want false when every fetch fails")
	}
	if result.TempDir != "" {
		t.Errorf("TempDir = %q, want removed and cleared", result.TempDir)
	}
}

func TestFetchRejectsNonSVG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"svg"}`))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	result, err := d.Fetch(context.Background(), "j1", []string{srv.URL + "/data.json"})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 {
		t.Fatalf("result = %+v, want one rejection", result)
	}
	if result.Errors[0].ErrorType != ErrTypeDownload || result.Errors[0].Reason != ReasonNotSVG {
		t.Errorf("error = %+v, want download_error/not_svg", result.Errors[0])
	}
}

func TestFetchSizeLimit(t *testing.T) {
	big := "<svg>" + strings.Repeat("x", 2*1024*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(big))
	}))
	defer srv.Close()

	d := newTestDownloader(t) // 1 MiB limit
	result, err := d.Fetch(context.Background(), "j1", []string{srv.URL + "/huge.svg"})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if result.Success {
		t.Fatal("Success = true, want size-limit rejection")
	}
	if result.Errors[0].Reason != ReasonSizeLimit {
		t.Errorf("reason = %q, want size_limit", result.Errors[0].Reason)
	}
}

func TestFetchEmptyURLList(t *testing.T) {
	d := newTestDownloader(t)
	_, err := d.Fetch(context.Background(), "j1", nil)
	if err == nil || !strings.Contains(err.Error(), ErrTypeValidation) {
		t.Errorf("Fetch(empty) error = %v, want validation_error", err)
	}
}

func TestFetchCancellationCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validSVG))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDownloader(t)
	_, err := d.Fetch(ctx, "j1", []string{srv.URL + "/a.svg"})
	if err == nil {
		t.Fatal("Fetch() with cancelled context succeeded")
	}
}

func TestFilenameFor(t *testing.T) {
	tests := []struct {
		url   string
		index int
		want  string
	}{
		{"https://example.com/charts/q3 report.svg", 0, "q3_report_0.svg"},
		{"https://example.com/", 1, "file_1.svg"},
		{"https://example.com", 2, "file_2.svg"},
		{"https://example.com/" + strings.Repeat("a", 80) + ".svg", 0, strings.Repeat("a", 50) + "_0.svg"},
		{"https://example.com/naïve.svg", 3, "na_ve_3.svg"},
	}
	for _, tt := range tests {
		if got := filenameFor(tt.url, tt.index); got != tt.want {
			t.Errorf("filenameFor(%q, %d) = %q, want %q", tt.url, tt.index, got, tt.want)
		}
	}
}
