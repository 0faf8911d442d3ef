package jobrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/resilience"
)

func newTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-api-key", append([]Option{WithBaseURL(srv.URL)}, opts...)...)
}

func TestSubmit_NoIdempotencyKeyWithoutJobID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Idempotency-Key"]
		assert.False(t, ok)
		json.NewEncoder(w).Encode(SubmitResponse{Handle: "h-2"})
	})
	resp, err := c.Submit(context.Background(), "literature", StageInput{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, "h-2", resp.Handle)
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name          string
		handler       http.HandlerFunc
		wantHandle    string
		wantErr       bool
		wantStatus    int
		wantTransient bool
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/stages/primary/jobs", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "job-7", r.Header.Get("Idempotency-Key"))

				var in StageInput
				require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				assert.Equal(t, "job-7", in.JobID)
				assert.Equal(t, "proj-1", in.ProjectID)
				assert.Equal(t, "RCTs only", in.Criteria)

				json.NewEncoder(w).Encode(SubmitResponse{Handle: "h-1"})
			},
			wantHandle: "h-1",
		},
		{
			name: "validation error is permanent",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"missing criteria"}`))
			},
			wantErr:    true,
			wantStatus: 400,
		},
		{
			name: "unavailable is transient",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantErr:       true,
			wantStatus:    503,
			wantTransient: true,
		},
		{
			name: "empty handle",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"handle":""}`))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			resp, err := c.Submit(context.Background(), "primary", StageInput{JobID: "job-7", ProjectID: "proj-1", Criteria: "RCTs only"})

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantHandle, resp.Handle)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
			if tt.wantStatus != 0 {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
			}
		})
	}
}

func TestPoll(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/h-9", r.URL.Path)
		json.NewEncoder(w).Encode(PollResponse{
			Status: StatusDone,
			Result: &StageOutput{
				ProcessedCount: 45,
				Decisions:      []Decision{{ArticleID: "A1", Decision: "include"}},
			},
		})
	})

	resp, err := c.Poll(context.Background(), "h-9")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resp.Status)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 45, resp.Result.ProcessedCount)
	assert.Len(t, resp.Result.Decisions, 1)
}

func TestPoll_UnknownStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"exploded"}`))
	})

	_, err := c.Poll(context.Background(), "h-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestResultAndCancel(t *testing.T) {
	var cancelled atomic.Bool
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/h-2/result":
			w.Write([]byte(`{"processed_count":120}`))
		case "/jobs/h-2/cancel":
			assert.Equal(t, http.MethodPost, r.Method)
			cancelled.Store(true)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	out, err := c.Result(context.Background(), "h-2")
	require.NoError(t, err)
	assert.Equal(t, 120, out.ProcessedCount)

	require.NoError(t, c.Cancel(context.Background(), "h-2"))
	assert.True(t, cancelled.Load())
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	b := resilience.NewBreaker(2, time.Minute)
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreaker(b))

	for range 2 {
		_, err := c.Poll(context.Background(), "h-1")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.BreakerOpen, b.State())

	_, err := c.Poll(context.Background(), "h-1")
	require.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRateLimitHonorsContext(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"pending"}`))
	}, WithRateLimit(0.001))

	_, err := c.Poll(context.Background(), "h-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx, "h-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
