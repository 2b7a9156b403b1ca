// Package httpapi implements remote.Store against the fitlog REST backend.
//
//	PUT    /v1/objects/{key}     body: entity JSON
//	GET    /v1/objects/{key}
//	DELETE /v1/objects/{key}
//	GET    /v1/objects?prefix=   -> {"keys": [...]}
package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/remote"
)

const (
	userAgent     = "fitlog-sync/1"
	objectsPath   = "/v1/objects"
	headerVersion = "X-Fitlog-Client"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements remote.Store over HTTP.
type Client struct {
	c *req.Client
}

var _ remote.Store = (*Client)(nil)

type listResponse struct {
	Keys []string `json:"keys"`
}

// New creates a Client. Retries are left to the sync queue, so the HTTP
// client itself never retries.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := req.C().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetUserAgent(userAgent).
		SetCommonHeader(headerVersion, "1").
		SetCommonRetryCount(0).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
	if cfg.Token != "" {
		c.SetCommonBearerAuthToken(cfg.Token)
	}
	return &Client{c: c}
}

// SetToken replaces the bearer token after authentication.
func (c *Client) SetToken(token string) {
	c.c.SetCommonBearerAuthToken(token)
}

func objectPath(key string) string {
	return objectsPath + "/" + url.PathEscape(key)
}

// Put implements remote.Store.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	resp, err := c.c.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetBodyBytes(data).
		Put(objectPath(key))
	return handleError(resp, err, "put "+key)
}

// Get implements remote.Store.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.c.R().
		SetContext(ctx).
		Get(objectPath(key))
	if err := handleError(resp, err, "get "+key); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// Delete implements remote.Store.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.c.R().
		SetContext(ctx).
		Delete(objectPath(key))
	if err := handleError(resp, err, "delete "+key); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

// List implements remote.Store.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var out listResponse
	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		SetSuccessResult(&out).
		Get(objectsPath)
	if err := handleError(resp, err, "list "+prefix); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// handleError maps a transport failure or an error status onto the
// transient/permanent taxonomy.
func handleError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return apperrors.Transient(operation, requestErr)
	}
	if resp.IsErrorState() {
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return remote.ClassifyStatus(status, operation, apperrors.New(apperrors.ErrInternal, resp.String()))
	}
	return nil
}
