// Package remote implements the client for the remote persistence service.
//
// The remote store is the sole authority on key existence. The pipeline
// never assumes a key is free without an explicit check, and even after a
// clean check a create can still fail with a late conflict; callers must
// treat every create as fallible.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
)

// ErrNotFound is returned by GetByKey when no record holds the key.
var ErrNotFound = errors.New("record not found")

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 30 * time.Second

// DefaultRetryAttempts is how many times idempotent reads are attempted
// before giving up. Writes are never retried.
const DefaultRetryAttempts = 3

// Record is one persisted record as returned by the remote store.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// APIError is a structured error response from the remote store.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store: %d: %s", e.StatusCode, e.Message)
}

// IsClientError reports whether err is a remote 4xx response: the record
// itself was rejected (validation, conflict) and the row can be fixed and
// retried.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// IsServiceError reports whether err means the service itself is failing:
// a 5xx response or an unreachable network. Callers should stop submitting
// rather than retry-storm a down backend.
func IsServiceError(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// Store is the remote persistence service consumed by the pipeline.
type Store interface {
	// CreateRecord submits one record of the given kind ("clients" or
	// "loans"). A 4xx rejection comes back as *APIError.
	CreateRecord(ctx context.Context, kind string, payload map[string]any) (*Record, error)

	// CheckExisting returns the subset of keys that already exist in the
	// remote store.
	CheckExisting(ctx context.Context, keys []string) ([]string, error)

	// GetByKey fetches one record by its national id, or ErrNotFound.
	GetByKey(ctx context.Context, key string) (*Record, error)

	// UpdateRecord applies a partial update to an existing record. A 4xx
	// rejection comes back as *APIError.
	UpdateRecord(ctx context.Context, id string, partial map[string]any) (*Record, error)
}

// Client talks to the remote store over HTTP JSON.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts uint
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL string, timeout time.Duration, retryAttempts int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryAttempts <= 0 {
		retryAttempts = DefaultRetryAttempts
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		attempts: uint(retryAttempts),
	}
}

// CreateRecord implements Store. Creates are not idempotent and are never
// retried here; the caller decides how to handle failures per row.
func (c *Client) CreateRecord(ctx context.Context, kind string, payload map[string]any) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(kind), payload, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckExisting implements Store. The call is idempotent, so transient
// failures are retried a bounded number of times before surfacing.
func (c *Client) CheckExisting(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var out struct {
		Existing []string `json:"existing"`
	}
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodPost, "/api/records/check", map[string]any{"keys": keys}, &out)
		},
		retry.Attempts(c.attempts),
		retry.RetryIf(IsServiceError),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return out.Existing, nil
}

// GetByKey implements Store.
func (c *Client) GetByKey(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, "/api/records/"+url.PathEscape(key), nil, &rec)
		},
		retry.Attempts(c.attempts),
		retry.RetryIf(IsServiceError),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord implements Store. Partial updates are not idempotent and are
// never retried here, same as creates.
func (c *Client) UpdateRecord(ctx context.Context, id string, partial map[string]any) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPatch, "/api/records/"+url.PathEscape(id), partial, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// do performs one HTTP round trip, encoding body as JSON when non-nil and
// decoding a 2xx response into out. Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote store unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeAPIError extracts a structured error from a non-2xx response,
// falling back to the raw body when it is not JSON.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
