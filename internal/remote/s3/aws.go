package s3

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Regional endpoints of AWS S3.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-northeast-2": "s3.ap-northeast-2.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3 settings. Empty keys fall back to the default
// credential chain (env, shared config, instance role).
type AWSConfig struct {
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string // Default: us-east-1
	Timeout   time.Duration
}

// AWSOptions converts AWSConfig to client Options. AWS uses virtual-host
// style addressing and the SDK's own endpoint resolution.
func AWSOptions(cfg AWSConfig) (Options, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	if !IsSupportedAWSRegion(region) {
		return Options{}, fmt.Errorf("unknown AWS region: %s", region)
	}
	return Options{
		Bucket:    cfg.Bucket,
		Region:    region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewAWS creates a Client for AWS S3.
func NewAWS(ctx context.Context, cfg AWSConfig) (*Client, error) {
	opts, err := AWSOptions(cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// AWSEndpointForRegion returns the S3 endpoint for a given region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// IsSupportedAWSRegion checks if a region is supported.
func IsSupportedAWSRegion(region string) bool {
	_, ok := awsEndpoints[region]
	return ok
}

// SupportedAWSRegions returns the supported regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
