package s3

import (
	"context"
	"fmt"
	"time"
)

// R2Config holds Cloudflare R2 settings.
type R2Config struct {
	AccountID string
	Bucket    string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// R2Options converts R2Config to client Options. R2 exposes an
// account-specific endpoint and uses the pseudo-region "auto".
func R2Options(cfg R2Config) (Options, error) {
	if cfg.AccountID == "" {
		return Options{}, fmt.Errorf("R2 account id is required")
	}
	return Options{
		Bucket:    cfg.Bucket,
		Region:    "auto",
		Endpoint:  "https://" + R2EndpointForAccount(cfg.AccountID),
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewR2 creates a Client for Cloudflare R2.
func NewR2(ctx context.Context, cfg R2Config) (*Client, error) {
	opts, err := R2Options(cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// R2EndpointForAccount returns the R2 endpoint host for an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
