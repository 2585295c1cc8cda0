// Package httptransport implements schoolsync.RemoteClient over the school
// backend's JSON REST API.
//
// Failure classification is the contract with the engine: HTTP statuses map
// onto error kinds so the engine knows whether to retry, resolve a conflict,
// or terminal-fail. Every mutation carries an Idempotency-Key header set to
// the operation id, letting the server deduplicate replays after a crash
// between delivery and local acknowledgement.
package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campushq/schoolsync"
	syncerrors "github.com/campushq/schoolsync/errors"
	"github.com/campushq/schoolsync/logging"
)

const (
	defaultRequestTimeout       = 30 * time.Second
	defaultCompressionThreshold = 1024
	idempotencyKeyHeader        = "Idempotency-Key"
)

// Client talks to the backend sync API.
type Client struct {
	baseURL              string
	httpClient           *http.Client
	authToken            func() string
	userAgent            string
	compressionThreshold int
	logger               *slog.Logger
}

var _ schoolsync.RemoteClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) { t.httpClient = c }
}

// WithAuthToken sets a static bearer token.
func WithAuthToken(token string) Option {
	return func(t *Client) { t.authToken = func() string { return token } }
}

// WithAuthTokenFunc sets a bearer token source, called per request so
// refreshed tokens take effect without rebuilding the client.
func WithAuthTokenFunc(fn func() string) Option {
	return func(t *Client) { t.authToken = fn }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Client) { t.userAgent = ua }
}

// WithCompressionThreshold sets the body size above which request bodies are
// gzip-compressed. Zero disables compression.
func WithCompressionThreshold(n int) Option {
	return func(t *Client) { t.compressionThreshold = n }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Client) { t.logger = logger }
}

// New creates a Client for the given base URL, e.g.
// "https://api.campushq.example".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, stderrors.New("base URL is required")
	}

	c := &Client{
		baseURL:              strings.TrimRight(baseURL, "/"),
		httpClient:           &http.Client{Timeout: defaultRequestTimeout},
		compressionThreshold: defaultCompressionThreshold,
		logger:               logging.Default().Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) collectionURL(tenantID, collection string) string {
	return fmt.Sprintf("%s/v1/tenants/%s/%s",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(collection))
}

func (c *Client) entityURL(tenantID, collection, entityID string) string {
	return c.collectionURL(tenantID, collection) + "/" + url.PathEscape(entityID)
}

// Create inserts a new entity and returns the server copy.
func (c *Client) Create(ctx context.Context, op *schoolsync.SyncOperation) (*schoolsync.Record, error) {
	return c.pushMutation(ctx, http.MethodPost,
		c.collectionURL(op.TenantID, op.Collection), op, op.Payload)
}

// Update overwrites an existing entity and returns the server copy.
func (c *Client) Update(ctx context.Context, op *schoolsync.SyncOperation) (*schoolsync.Record, error) {
	return c.pushMutation(ctx, http.MethodPut,
		c.entityURL(op.TenantID, op.Collection, op.EntityID), op, op.Payload)
}

// Delete sets a tombstone on the entity and returns the tombstoned server
// copy.
func (c *Client) Delete(ctx context.Context, op *schoolsync.SyncOperation) (*schoolsync.Record, error) {
	return c.pushMutation(ctx, http.MethodDelete,
		c.entityURL(op.TenantID, op.Collection, op.EntityID), op, nil)
}

func (c *Client) pushMutation(ctx context.Context, method, rawURL string, op *schoolsync.SyncOperation, payload map[string]interface{}) (*schoolsync.Record, error) {
	var (
		body       io.Reader
		compressed bool
	)
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerrors.NewValidation(syncerrors.OpPush,
				fmt.Errorf("failed to encode payload: %w", err))
		}
		if c.compressionThreshold > 0 && len(encoded) > c.compressionThreshold {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(encoded); err != nil {
				return nil, syncerrors.NewTransient(syncerrors.OpPush, err)
			}
			if err := gz.Close(); err != nil {
				return nil, syncerrors.NewTransient(syncerrors.OpPush, err)
			}
			body = &buf
			compressed = true
		} else {
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, syncerrors.NewValidation(syncerrors.OpPush, err)
	}
	req.Header.Set(idempotencyKeyHeader, op.ID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpPush, err).
			WithMetadata("operation_id", op.ID).
			WithMetadata("collection", op.Collection)
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(syncerrors.OpPush, resp, op); err != nil {
		return nil, err
	}

	var rec schoolsync.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpPush,
			fmt.Errorf("failed to decode response: %w", err))
	}
	if rec.EntityID == "" {
		rec.EntityID = op.EntityID
	}
	return &rec, nil
}

// Fetch returns the current server snapshot of an entity.
func (c *Client) Fetch(ctx context.Context, tenantID, collection, entityID string) (*schoolsync.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.entityURL(tenantID, collection, entityID), nil)
	if err != nil {
		return nil, syncerrors.NewValidation(syncerrors.OpTransport, err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, schoolsync.ErrRemoteNotFound
	}
	if err := c.classifyStatus(syncerrors.OpTransport, resp, nil); err != nil {
		return nil, err
	}

	var rec schoolsync.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpTransport,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return &rec, nil
}

// Pull fetches one page of records changed since the watermark.
func (c *Client) Pull(ctx context.Context, pr schoolsync.PullRequest) (*schoolsync.PullPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(pr.Since, 10))
	if pr.Limit > 0 {
		q.Set("limit", strconv.Itoa(pr.Limit))
	}
	if pr.Token != "" {
		q.Set("token", pr.Token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.collectionURL(pr.TenantID, pr.Collection)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, syncerrors.NewValidation(syncerrors.OpPull, err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpPull, err).
			WithMetadata("collection", pr.Collection)
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(syncerrors.OpPull, resp, nil); err != nil {
		return nil, err
	}

	var page schoolsync.PullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, syncerrors.NewTransient(syncerrors.OpPull,
			fmt.Errorf("failed to decode pull page: %w", err))
	}
	return &page, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.authToken != nil {
		if token := c.authToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// classifyStatus maps an unsuccessful HTTP status to an error kind. The body
// is drained into the error message for diagnostics, truncated to keep logs
// readable.
func (c *Client) classifyStatus(op syncerrors.Operation, resp *http.Response, syncOp *schoolsync.SyncOperation) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))

	var err *syncerrors.SyncError
	switch {
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusPreconditionFailed:
		err = syncerrors.NewConflict(op, cause)

	case resp.StatusCode == http.StatusNotFound:
		// The entity vanished under a pending mutation: a concurrent delete.
		// That is a conflict for the resolver, not a dead endpoint.
		err = syncerrors.NewConflict(op, cause)

	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		err = syncerrors.NewValidation(op, cause)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		err = syncerrors.NewTransient(op, cause)

	default:
		err = syncerrors.NewTransient(op, cause)
	}

	err = err.WithMetadata("status_code", resp.StatusCode)
	if syncOp != nil {
		err = err.WithMetadata("operation_id", syncOp.ID).
			WithMetadata("collection", syncOp.Collection)
	}

	c.logger.Debug("request failed",
		"status", resp.StatusCode,
		"kind", string(syncerrors.KindOf(err)),
		"url", resp.Request.URL.Path)
	return err
}
