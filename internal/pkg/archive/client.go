// Package archive copies pruned ledger rows to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

// objectStore is the subset of the S3 API the archive needs.
type objectStore interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client writes ledger batches as JSON lines objects.
type Client struct {
	s3     objectStore
	config *Config
	now    func() time.Time
}

// NewClient creates an archive client and checks the bucket.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	client := newClient(s3Client, cfg)
	if err := client.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Archive] using bucket %s", cfg.BucketName)
	return client, nil
}

func newClient(store objectStore, cfg *Config) *Client {
	return &Client{s3: store, config: cfg, now: time.Now}
}

// testConnection checks the bucket exists, creating it outside production.
func (c *Client) testConnection(ctx context.Context) error {
	bucketName := c.config.BucketName
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)})
	if err == nil {
		return nil
	}
	if env.GetEnv("APP_ENV", "dev") == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", bucketName, err)
	}

	log.Warnf("[Archive] bucket %s not found, attempting to create it", bucketName)
	input := &s3.CreateBucketInput{Bucket: aws.String(bucketName)}
	if c.config.EndpointURL == "" && c.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.config.Region),
		}
	}
	if _, err := c.s3.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	return nil
}

// ArchiveProcessedEvents uploads rows as one JSON lines object.
func (c *Client) ArchiveProcessedEvents(ctx context.Context, rows []models.ProcessedEvent) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return fmt.Errorf("encode ledger row %s: %w", rows[i].ExternalEventID, err)
		}
	}

	key := c.config.ObjectKey(c.now())
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.config.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	log.Infof("[Archive] stored %d ledger rows at s3://%s/%s", len(rows), c.config.BucketName, key)
	return nil
}
