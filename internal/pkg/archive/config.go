package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

// Config holds S3 archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("ARCHIVE_PREFIX", "ledger"),
		Enabled:         env.GetEnvBool("ARCHIVE_ENABLED", false),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if the archive is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey names the batch object for ledger rows pruned at t.
// Format: <prefix>/YYYY/MM/DD/processed_events-<unixnano>.jsonl
func (c *Config) ObjectKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/processed_events-%d.jsonl", c.Prefix, t.Year(), int(t.Month()), t.Day(), t.UnixNano())
}
