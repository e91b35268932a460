// Package config holds the recognized options of the batch engine and
// their defaults. Options load from an optional JSON file, then from
// environment variables, then from per-job overrides at enqueue time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for recognized options.
const (
	DefaultMaxRequestsPerMinute = 100
	DefaultMaxConcurrentUploads = 10
	DefaultDownloadTimeoutSecs  = 30
	DefaultMaxDownloadSizeMB    = 10
	DefaultUploadTimeoutSecs    = 120
	DefaultFolderPattern        = "SVG2PPTX-Batches/{date}/batch-{job_id}/"
	DefaultWorkers              = 4
	DefaultDataDir              = "./data"

	// UserAgent identifies the engine on outbound HTTP requests.
	UserAgent = "svg2pptx-batch/1.0"
)

// Config is the engine configuration.
type Config struct {
	// Rate Governor budgets (per job).
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
	MaxConcurrentUploads int `json:"max_concurrent_uploads"`

	// Downloader bounds.
	DownloadTimeoutSeconds int `json:"download_timeout_seconds"`
	MaxDownloadSizeMB      int `json:"max_download_size_mb"`

	// Uploader bounds.
	UploadTimeoutSeconds int    `json:"upload_timeout_seconds"`
	FolderPatternDefault string `json:"folder_pattern_default"`
	PreviewOnUpload      bool   `json:"preview_on_upload"`

	// Batch jobs always run with debug tracing; the flag exists so the
	// value is visible in dumps, but Load forces it to true.
	EnableDebugTrace bool `json:"enable_debug_trace"`

	// Task Runner worker count.
	Workers int `json:"workers"`

	// State store location.
	DataDir string `json:"data_dir"`

	// FileService backend: "drive" (HTTP) or "s3".
	FileService string `json:"file_service"`

	// Drive backend.
	DriveBaseURL string `json:"drive_base_url,omitempty"`
	DriveToken   string `json:"drive_token,omitempty"`

	// S3 backend.
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty"`

	// Converter command invoked for SVG to PPTX conversion.
	ConverterCommand string `json:"converter_command,omitempty"`

	// Proxy: "no-proxy", "system", or "manual".
	ProxyMode string `json:"proxy_mode,omitempty"`
	ProxyURL  string `json:"proxy_url,omitempty"`

	// Optional Prometheus listener, e.g. ":9090". Empty disables it.
	MetricsListen string `json:"metrics_listen,omitempty"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestsPerMinute:   DefaultMaxRequestsPerMinute,
		MaxConcurrentUploads:   DefaultMaxConcurrentUploads,
		DownloadTimeoutSeconds: DefaultDownloadTimeoutSecs,
		MaxDownloadSizeMB:      DefaultMaxDownloadSizeMB,
		UploadTimeoutSeconds:   DefaultUploadTimeoutSecs,
		FolderPatternDefault:   DefaultFolderPattern,
		PreviewOnUpload:        true,
		EnableDebugTrace:       true,
		Workers:                DefaultWorkers,
		DataDir:                DefaultDataDir,
		FileService:            "drive",
		ProxyMode:              "no-proxy",
	}
}

// Load reads configuration from the given JSON file (optional) and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	// Debug tracing is forced on for batch jobs regardless of what the
	// file or environment says; operators need the trace data.
	cfg.EnableDebugTrace = true

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SVG2PPTX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SVG2PPTX_FILE_SERVICE"); v != "" {
		cfg.FileService = v
	}
	if v := os.Getenv("SVG2PPTX_DRIVE_BASE_URL"); v != "" {
		cfg.DriveBaseURL = v
	}
	if v := os.Getenv("SVG2PPTX_DRIVE_TOKEN"); v != "" {
		cfg.DriveToken = v
	}
	if v := os.Getenv("SVG2PPTX_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("SVG2PPTX_S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("SVG2PPTX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SVG2PPTX_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("SVG2PPTX_CONVERTER"); v != "" {
		cfg.ConverterCommand = v
	}
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max_requests_per_minute must be positive, got %d", c.MaxRequestsPerMinute)
	}
	if c.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("max_concurrent_uploads must be positive, got %d", c.MaxConcurrentUploads)
	}
	if c.DownloadTimeoutSeconds <= 0 {
		return fmt.Errorf("download_timeout_seconds must be positive, got %d", c.DownloadTimeoutSeconds)
	}
	if c.MaxDownloadSizeMB <= 0 {
		return fmt.Errorf("max_download_size_mb must be positive, got %d", c.MaxDownloadSizeMB)
	}
	if c.UploadTimeoutSeconds <= 0 {
		return fmt.Errorf("upload_timeout_seconds must be positive, got %d", c.UploadTimeoutSeconds)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.FileService {
	case "drive", "s3":
	default:
		return fmt.Errorf("file_service must be \"drive\" or \"s3\", got %q", c.FileService)
	}
	return nil
}

// DownloadTimeout returns the per-fetch timeout as a duration.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// UploadTimeout returns the per-upload timeout as a duration.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// MaxDownloadSizeBytes returns the download size bound in bytes.
func (c *Config) MaxDownloadSizeBytes() int64 {
	return int64(c.MaxDownloadSizeMB) * 1024 * 1024
}
