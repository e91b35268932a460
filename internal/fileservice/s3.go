package fileservice

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
)

// S3Service implements FileService against an S3 bucket. Folders are key
// prefixes: CreateFolder writes a zero-byte marker object so the prefix
// is listable, and folder IDs are the prefix itself.
type S3Service struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	uploadTimeout time.Duration
	logger        *logging.Logger
}

// NewS3Service builds the S3 backend from config. Credentials come from
// the config file when set, otherwise from the default AWS chain.
func NewS3Service(ctx context.Context, cfg *config.Config) (*S3Service, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3_bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Service{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        cfg.S3Bucket,
		uploadTimeout: cfg.UploadTimeout(),
		logger:        logging.NewLogger("s3"),
	}, nil
}

// CreateFolder creates a prefix marker. parentID is the parent prefix
// ("" for the bucket root); the returned FolderID is the full prefix.
func (s *S3Service) CreateFolder(ctx context.Context, name, parentID string) (*Folder, error) {
	const op = "create_folder"

	prefix := strings.TrimSuffix(parentID, "/")
	if prefix != "" {
		prefix += "/"
	}
	key := prefix + strings.Trim(name, "/") + "/"

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return nil, NewError(op, Classify(err), err)
	}

	return &Folder{
		FolderID:  key,
		FolderURL: fmt.Sprintf("s3://%s/%s", s.bucket, key),
	}, nil
}

// UploadFile puts the file under the folder prefix.
func (s *S3Service) UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*File, error) {
	const op = "upload_file"

	f, err := os.Open(localPath)
	if err != nil {
		return nil, NewError(op, ClassPermanentOther, fmt.Errorf("failed to open %s: %w", localPath, err))
	}
	defer f.Close()

	if remoteName == "" {
		remoteName = path.Base(localPath)
	}
	key := strings.TrimSuffix(folderID, "/") + "/" + remoteName

	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.openxmlformats-officedocument.presentationml.presentation"),
	})
	if err != nil {
		return nil, NewError(op, Classify(err), err)
	}

	return &File{
		FileID:  key,
		FileURL: fmt.Sprintf("s3://%s/%s", s.bucket, key),
	}, nil
}

// RequestPreview returns a presigned GET link for the object. S3 has no
// rendering service, so the "preview" is a time-limited direct link.
func (s *S3Service) RequestPreview(ctx context.Context, fileID string) (*Preview, error) {
	const op = "request_preview"

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	}, s3.WithPresignExpires(24*time.Hour))
	if err != nil {
		return nil, NewError(op, Classify(err), err)
	}
	return &Preview{PreviewURL: req.URL}, nil
}

// TestConnection heads the bucket to verify reachability and credentials.
func (s *S3Service) TestConnection(ctx context.Context) error {
	const op = "test_connection"

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return NewError(op, Classify(err), err)
	}
	return nil
}
