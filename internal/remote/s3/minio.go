package s3

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MinIOConfig holds settings for a self-hosted MinIO server.
type MinIOConfig struct {
	Endpoint  string // "localhost:9000" or "https://minio.example.com"
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool // scheme used when Endpoint has none
	Timeout   time.Duration
}

// MinIOOptions converts MinIOConfig to client Options. MinIO requires
// path-style URLs and ignores the region.
func MinIOOptions(cfg MinIOConfig) (Options, error) {
	endpoint, err := ParseMinIOEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Bucket:       cfg.Bucket,
		Region:       "us-east-1",
		Endpoint:     endpoint,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: true,
		Timeout:      cfg.Timeout,
	}, nil
}

// NewMinIO creates a Client for MinIO.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*Client, error) {
	opts, err := MinIOOptions(cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// ParseMinIOEndpoint adds a scheme when missing and strips a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// MinIOHealthCheckURL returns the liveness URL of a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) string {
	base, err := ParseMinIOEndpoint(endpoint, useSSL)
	if err != nil {
		return ""
	}
	return base + "/minio/health/live"
}
