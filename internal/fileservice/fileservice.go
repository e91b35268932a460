// Package fileservice is the only component that talks to the cloud file
// service. It exposes a narrow capability interface plus the closed error
// classification that drives retry policy.
package fileservice

import (
	"context"
)

// Folder is the result of a folder creation.
type Folder struct {
	FolderID  string `json:"folder_id"`
	FolderURL string `json:"folder_url"`
}

// File is the result of a file upload.
type File struct {
	FileID      string `json:"file_id"`
	FileURL     string `json:"file_url"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Preview is the result of a preview request.
type Preview struct {
	PreviewURL   string `json:"preview_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// FileService is the capability abstraction over the cloud file service.
// Implementations classify every failure into the closed set defined in
// errors.go; callers rely on that classification for retry decisions.
type FileService interface {
	// CreateFolder creates one folder. A nonexistent parent yields a
	// ClassNotFound error.
	CreateFolder(ctx context.Context, name, parentID string) (*Folder, error)

	// UploadFile uploads one local file into the folder under remoteName.
	UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*File, error)

	// RequestPreview requests a derived preview for an uploaded file.
	// The call may be long-running but returns within a bounded time.
	RequestPreview(ctx context.Context, fileID string) (*Preview, error)

	// TestConnection verifies reachability and credentials.
	TestConnection(ctx context.Context) error
}
