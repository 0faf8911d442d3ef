// Package jobrunner is the HTTP client for the stage job runner: the backend
// service that executes literature search and screening jobs.
package jobrunner

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

// Job status values reported by the runner.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Client defines the stage job runner operations.
type Client interface {
	Submit(ctx context.Context, stage string, in StageInput) (*SubmitResponse, error)
	Poll(ctx context.Context, handle string) (*PollResponse, error)
	Result(ctx context.Context, handle string) (*StageOutput, error)
	Cancel(ctx context.Context, handle string) error
}

// StageInput is the body for POST /stages/{stage}/jobs. JobID is the
// controller's job ID; it is also sent as the Idempotency-Key header so a
// retried submit maps to the same remote job.
type StageInput struct {
	JobID       string `json:"job_id,omitempty"`
	ProjectID   string `json:"project_id"`
	Criteria    string `json:"criteria,omitempty"`
	IFUDocument string `json:"ifu_document,omitempty"`
}

// SubmitResponse is the response from POST /stages/{stage}/jobs.
type SubmitResponse struct {
	Handle string `json:"handle"`
}

// PollResponse is the response from GET /jobs/{handle}. Result may be
// inlined when the job is done; otherwise fetch it with Result.
type PollResponse struct {
	Status string       `json:"status"`
	Result *StageOutput `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// StageOutput is a finished job's result.
type StageOutput struct {
	ProcessedCount int        `json:"processed_count"`
	Decisions      []Decision `json:"decisions,omitempty"`
}

// Decision is one automated include/exclude classification. Only primary
// screening jobs produce them.
type Decision struct {
	ArticleID string `json:"article_id"`
	Decision  string `json:"decision"`
}

// APIError is returned when the runner responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobrunner: HTTP %d: %s", e.StatusCode, e.Body)
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

// WithBreaker routes every request through a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClient creates a new job runner client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, stage string, in StageInput) (*SubmitResponse, error) {
	var resp SubmitResponse
	var headers map[string]string
	if in.JobID != "" {
		headers = map[string]string{"Idempotency-Key": in.JobID}
	}
	if err := c.post(ctx, "/stages/"+url.PathEscape(stage)+"/jobs", in, &resp, headers); err != nil {
		return nil, eris.Wrapf(err, "jobrunner: submit %s", stage)
	}
	if resp.Handle == "" {
		return nil, eris.Errorf("jobrunner: submit %s: empty handle", stage)
	}
	return &resp, nil
}

func (c *httpClient) Poll(ctx context.Context, handle string) (*PollResponse, error) {
	var resp PollResponse
	if err := c.get(ctx, "/jobs/"+url.PathEscape(handle), &resp); err != nil {
		return nil, eris.Wrapf(err, "jobrunner: poll %s", handle)
	}
	switch resp.Status {
	case StatusPending, StatusDone, StatusFailed:
	default:
		return nil, eris.Errorf("jobrunner: poll %s: unknown status %q", handle, resp.Status)
	}
	return &resp, nil
}

func (c *httpClient) Result(ctx context.Context, handle string) (*StageOutput, error) {
	var out StageOutput
	if err := c.get(ctx, "/jobs/"+url.PathEscape(handle)+"/result", &out); err != nil {
		return nil, eris.Wrapf(err, "jobrunner: result %s", handle)
	}
	return &out, nil
}

func (c *httpClient) Cancel(ctx context.Context, handle string) error {
	var resp struct{}
	if err := c.post(ctx, "/jobs/"+url.PathEscape(handle)+"/cancel", struct{}{}, &resp, nil); err != nil {
		return eris.Wrapf(err, "jobrunner: cancel %s", handle)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any, headers map[string]string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.authorize(req)

	return c.do(ctx, req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	c.authorize(req)

	return c.do(ctx, req, out)
}

func (c *httpClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *httpClient) do(ctx context.Context, req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit")
		}
	}

	data, err := resilience.Guard(ctx, c.breaker, func(context.Context) ([]byte, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "execute request")
			}
			return nil, resilience.NewTransientError(eris.Wrap(err, "execute request"), 0)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "read response body"), 0)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
			}
			return nil, apiErr
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
