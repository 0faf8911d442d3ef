// Package docfetch is the HTTP client for the document fetch runner, which
// downloads full-text PDFs for a project's included articles.
package docfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/screening-cli/internal/resilience"
)

// Fetch status values reported by the runner.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Client defines the document fetch runner operations.
type Client interface {
	CheckAvailability(ctx context.Context, projectID string) (*Availability, error)
	StartFetch(ctx context.Context, projectID string) (*FetchResponse, error)
	GetFetchStatus(ctx context.Context, handle string) (*FetchStatus, error)
}

// Availability is the response from GET /projects/{id}/documents.
type Availability struct {
	Present  int `json:"present"`
	Expected int `json:"expected"`
}

// FetchResponse is the response from POST /projects/{id}/documents/fetch.
type FetchResponse struct {
	Handle string `json:"handle"`
}

// FetchStatus is the response from GET /fetches/{handle}.
type FetchStatus struct {
	Status     string `json:"status"`
	Downloaded int    `json:"downloaded"`
	Error      string `json:"error,omitempty"`
}

// APIError is returned when the runner responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docfetch: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles outgoing requests. Zero disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new document fetch runner client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CheckAvailability(ctx context.Context, projectID string) (*Availability, error) {
	var resp Availability
	if err := c.call(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/documents", nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "docfetch: check availability %s", projectID)
	}
	return &resp, nil
}

func (c *httpClient) StartFetch(ctx context.Context, projectID string) (*FetchResponse, error) {
	var resp FetchResponse
	if err := c.call(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/documents/fetch", struct{}{}, &resp); err != nil {
		return nil, eris.Wrapf(err, "docfetch: start fetch %s", projectID)
	}
	if resp.Handle == "" {
		return nil, eris.Errorf("docfetch: start fetch %s: empty handle", projectID)
	}
	return &resp, nil
}

func (c *httpClient) GetFetchStatus(ctx context.Context, handle string) (*FetchStatus, error) {
	var resp FetchStatus
	if err := c.call(ctx, http.MethodGet, "/fetches/"+url.PathEscape(handle), nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "docfetch: get fetch status %s", handle)
	}
	return &resp, nil
}

func (c *httpClient) call(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(err, "execute request")
		}
		return resilience.NewTransientError(eris.Wrap(err, "execute request"), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
