package s3

import (
	"context"
	"fmt"

	"github.com/kimhsiao/fitlog/backend/internal/config"
)

// FromConfig builds the S3-compatible client selected by remote.kind.
func FromConfig(ctx context.Context, cfg config.RemoteConfig) (*Client, error) {
	switch cfg.Kind {
	case config.RemoteS3:
		return NewAWS(ctx, AWSConfig{
			Bucket: cfg.Bucket, AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey,
			Region: cfg.Region, Timeout: cfg.Timeout,
		})
	case config.RemoteMinIO:
		return NewMinIO(ctx, MinIOConfig{
			Endpoint: cfg.Endpoint, Bucket: cfg.Bucket, AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey, UseSSL: cfg.UseSSL, Timeout: cfg.Timeout,
		})
	case config.RemoteR2:
		return NewR2(ctx, R2Config{
			AccountID: cfg.AccountID, Bucket: cfg.Bucket, AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey, Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("remote kind %q is not S3-compatible", cfg.Kind)
	}
}
