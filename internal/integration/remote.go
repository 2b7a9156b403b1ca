package integration

import (
	"context"

	"github.com/kimhsiao/fitlog/backend/internal/config"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/remote"
	"github.com/kimhsiao/fitlog/backend/internal/remote/httpapi"
	"github.com/kimhsiao/fitlog/backend/internal/remote/s3"
)

// tokenSetter is implemented by remotes that authenticate per user.
type tokenSetter interface {
	SetToken(token string)
}

// buildRemote creates the remote store selected by cfg.Kind.
func buildRemote(ctx context.Context, cfg config.RemoteConfig) (remote.Store, error) {
	switch cfg.Kind {
	case "", config.RemoteNone:
		return remote.Unconfigured{}, nil
	case config.RemoteMemory:
		return remote.NewMemory(), nil
	case config.RemoteS3, config.RemoteMinIO, config.RemoteR2:
		client, err := s3.FromConfig(ctx, cfg)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRemoteNotConfigured, "failed to create "+cfg.Kind+" client", err)
		}
		return client, nil
	case config.RemoteHTTP:
		if cfg.BaseURL == "" {
			return nil, apperrors.New(apperrors.ErrRemoteNotConfigured, "remote.base_url is required for the http remote")
		}
		return httpapi.New(httpapi.Config{BaseURL: cfg.BaseURL, Token: cfg.Token, Timeout: cfg.Timeout}), nil
	default:
		return nil, apperrors.New(apperrors.ErrRemoteNotConfigured, "unknown remote kind "+cfg.Kind)
	}
}
