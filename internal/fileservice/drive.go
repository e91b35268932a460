package fileservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
	"github.com/BramAlkema/svg2pptx-batch/internal/httpclient"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
)

// retryLogger adapts our logger to the retryablehttp.LeveledLogger
// interface. Info and Debug are intentionally quiet; transport retries are
// only interesting when they warn or fail.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Msgf("%s %v", msg, keysAndValues)
}
func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Msgf("%s %v", msg, keysAndValues)
}

// DriveService is the HTTP backend for the cloud file service.
// Transport-level retries (connection resets, 5xx) are handled by
// retryablehttp; logical retry policy belongs to the Retry Engine, so
// RetryMax here stays small.
type DriveService struct {
	httpClient    *nethttp.Client
	baseURL       string
	token         string
	uploadTimeout time.Duration
	logger        *logging.Logger
}

// NewDriveService builds the Drive backend from config.
func NewDriveService(cfg *config.Config) (*DriveService, error) {
	if cfg.DriveBaseURL == "" {
		return nil, fmt.Errorf("drive_base_url not configured")
	}

	base, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	logger := logging.NewLogger("drive")

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpclient.WithUserAgent(base)
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &retryLogger{logger: logger}
	// When transport retries are exhausted the final response must come
	// back as-is; the default handler replaces it with a "giving up"
	// error, which would hide the status code from classification.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &DriveService{
		httpClient:    retryClient.StandardClient(),
		baseURL:       strings.TrimSuffix(cfg.DriveBaseURL, "/"),
		token:         cfg.DriveToken,
		uploadTimeout: cfg.UploadTimeout(),
		logger:        logger,
	}, nil
}

// driveError is the service's error envelope.
type driveError struct {
	Error struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
}

// CreateFolder creates one folder under parentID (empty for root).
func (d *DriveService) CreateFolder(ctx context.Context, name, parentID string) (*Folder, error) {
	body := map[string]string{"name": name}
	if parentID != "" {
		body["parent_id"] = parentID
	}

	var folder Folder
	if err := d.doJSON(ctx, "create_folder", nethttp.MethodPost, "/folders", body, &folder); err != nil {
		return nil, err
	}
	return &folder, nil
}

// UploadFile uploads one local file as multipart form data.
func (d *DriveService) UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*File, error) {
	const op = "upload_file"

	f, err := os.Open(localPath)
	if err != nil {
		return nil, NewError(op, ClassPermanentOther, fmt.Errorf("failed to open %s: %w", localPath, err))
	}
	defer f.Close()

	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("folder_id", folderID); err != nil {
		return nil, NewError(op, ClassPermanentOther, err)
	}
	part, err := writer.CreateFormFile("file", remoteName)
	if err != nil {
		return nil, NewError(op, ClassPermanentOther, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, NewError(op, ClassPermanentOther, fmt.Errorf("failed to read %s: %w", localPath, err))
	}
	if err := writer.Close(); err != nil {
		return nil, NewError(op, ClassPermanentOther, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.uploadTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, d.baseURL+"/files", &buf)
	if err != nil {
		return nil, NewError(op, ClassPermanentOther, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, NewError(op, Classify(err), err)
	}
	defer resp.Body.Close()

	var file File
	if err := d.decodeResponse(op, resp, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// RequestPreview requests a derived preview. The service may take a
// moment to render; one bounded call, no polling.
func (d *DriveService) RequestPreview(ctx context.Context, fileID string) (*Preview, error) {
	ctx, cancel := context.WithTimeout(ctx, d.uploadTimeout)
	defer cancel()

	var preview Preview
	path := "/files/" + url.PathEscape(fileID) + "/preview"
	if err := d.doJSON(ctx, "request_preview", nethttp.MethodPost, path, nil, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// TestConnection verifies reachability and credentials.
func (d *DriveService) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var out struct {
		User string `json:"user"`
	}
	return d.doJSON(ctx, "test_connection", nethttp.MethodGet, "/about", nil, &out)
}

func (d *DriveService) authorize(req *nethttp.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

func (d *DriveService) doJSON(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return NewError(op, ClassPermanentOther, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return NewError(op, ClassPermanentOther, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return NewError(op, Classify(err), err)
	}
	defer resp.Body.Close()

	return d.decodeResponse(op, resp, out)
}

// decodeResponse maps the HTTP status onto the closed error classes and
// decodes the success payload.
func (d *DriveService) decodeResponse(op string, resp *nethttp.Response, out interface{}) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(op, ClassPermanentOther, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope driveError
	_ = json.Unmarshal(raw, &envelope)
	msg := envelope.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	reason := envelope.Error.Reason
	baseErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)

	switch resp.StatusCode {
	case nethttp.StatusUnauthorized:
		return NewError(op, ClassAuth, baseErr)
	case nethttp.StatusForbidden:
		// The service reports quota exhaustion as 403 with a reason code.
		if isQuotaReason(reason) || strings.Contains(strings.ToLower(msg), "quota") {
			return NewQuotaError(op, classifyQuotaReason(reason+" "+msg), baseErr)
		}
		return NewError(op, ClassAuth, baseErr)
	case nethttp.StatusNotFound:
		return NewError(op, ClassNotFound, baseErr)
	case nethttp.StatusTooManyRequests:
		if isQuotaReason(reason) {
			return NewQuotaError(op, classifyQuotaReason(reason), baseErr)
		}
		return NewError(op, ClassRateLimited, baseErr)
	}
	if resp.StatusCode >= 500 {
		return NewError(op, ClassTransient, baseErr)
	}
	return NewError(op, ClassPermanentOther, baseErr)
}

func isQuotaReason(reason string) bool {
	switch strings.ToLower(reason) {
	case "dailylimitexceeded", "daily_limit", "quotaexceeded", "storagequotaexceeded",
		"userratelimitexceeded", "user_rate_limit", "ratelimitexceeded", "rate_limit":
		return true
	}
	return false
}
