// Package archive writes raw provider pages to S3 so a problematic sync can
// be replayed and debugged. Like progress reporting, archiving is
// best-effort: a failed write never aborts a sync.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds S3 archive settings.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// S3 archives raw provider page payloads.
type S3 struct {
	uploader *manager.Uploader
	bucket   string
	logger   *zap.Logger
}

// NewS3 creates the archive client. Falls back to the default AWS credential
// chain when no static credentials are configured.
func NewS3(ctx context.Context, cfg Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		logger:   logger,
	}, nil
}

// ArchivePage stores one raw page body under a key derived from the job,
// stream and page number. Errors are logged and swallowed.
func (a *S3) ArchivePage(ctx context.Context, jobID uuid.UUID, stream string, pageNum int, raw []byte) {
	key := fmt.Sprintf("sync-pages/%s/%s/%s/page-%05d.json",
		time.Now().UTC().Format("2006-01-02"), jobID, stream, pageNum)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.logger.Debug("archive page failed",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
			zap.String("key", key))
	}
}
