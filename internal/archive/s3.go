// Package archive moves reaped terminal tasks out of Postgres into object
// storage. The queue table stays small; the history stays queryable offline.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"mail-triage/internal/config"
	"mail-triage/internal/models"
)

// S3Archiver writes one JSON batch object per reap pass, keyed by day.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver returns nil without error when no bucket is configured;
// archival is then simply off.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           cfg.ArchiveS3Endpoint,
					SigningRegion: cfg.ArchiveS3Region,
					Source:        aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.ArchiveS3Bucket,
	}, nil
}

// Archive uploads the batch as task-archive/<date>/<timestamp>.json.
func (a *S3Archiver) Archive(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	body, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal archive batch: %w", err)
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("task-archive/%s/%d.json", now.Format("2006-01-02"), now.UnixNano())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}
	log.Info().Str("key", key).Int("tasks", len(tasks)).Msg("reaped tasks archived")
	return nil
}
