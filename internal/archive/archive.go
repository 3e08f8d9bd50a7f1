// Package archive uploads completed migration audit bundles to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bluegreen-deploy/agent/internal/health"
	"github.com/bluegreen-deploy/agent/internal/migration"
)

// Bundle is the audit record written for each terminal migration outcome:
// the final state with its full step history, plus the most recent health
// verdicts for context.
type Bundle struct {
	State      migration.State  `json:"state"`
	Health     []health.Verdict `json:"health"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// s3API is the slice of the S3 client the uploader uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes bundles to s3://bucket/prefix/<migration-id>.json.
type Uploader struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader builds an Uploader using the ambient AWS credential chain.
func NewUploader(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	return &Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Upload writes one bundle. A bundle whose state carries no migration ID is
// keyed by its archive timestamp instead.
func (u *Uploader) Upload(ctx context.Context, b Bundle) error {
	if b.ArchivedAt.IsZero() {
		b.ArchivedAt = time.Now().UTC()
	}
	name := b.State.ID
	if name == "" {
		name = b.ArchivedAt.Format("20060102T150405Z")
	}
	key := path.Join(u.prefix, name+".json")

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal bundle: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", u.bucket, key, err)
	}

	u.logger.Info("migration audit bundle archived", "bucket", u.bucket, "key", key)
	return nil
}
