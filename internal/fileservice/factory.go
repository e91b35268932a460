package fileservice

import (
	"context"
	"fmt"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
)

// New builds the configured backend.
func New(ctx context.Context, cfg *config.Config) (FileService, error) {
	switch cfg.FileService {
	case "drive":
		return NewDriveService(cfg)
	case "s3":
		return NewS3Service(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown file service backend %q", cfg.FileService)
	}
}
