package docfetch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/resilience"
)

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 15 * time.Second
	defaultPollTimeout = 30 * time.Minute
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
	retry   resilience.Policy
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		initial: defaultPollInitial,
		cap:     defaultPollCap,
		timeout: defaultPollTimeout,
		retry:   resilience.DefaultPolicy(),
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.initial = d
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.cap = d
	}
}

// WithPollTimeout overrides the default timeout (applied only if the parent
// context has no deadline).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// WithRetryPolicy sets the retry policy used for each status request.
func WithRetryPolicy(p resilience.Policy) PollOption {
	return func(c *pollConfig) {
		c.retry = p
	}
}

// FetchAll starts a fetch for the project and polls until it completes,
// fails, or the context expires. Uses exponential backoff capped at the
// configured poll cap. Transient status errors are retried per request.
func FetchAll(ctx context.Context, client Client, projectID string, opts ...PollOption) (*FetchStatus, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	started, err := resilience.Do(ctx, cfg.retry, func(ctx context.Context) (*FetchResponse, error) {
		return client.StartFetch(ctx, projectID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "docfetch: fetch %s", projectID)
	}

	interval := cfg.initial
	for {
		status, err := resilience.Do(ctx, cfg.retry, func(ctx context.Context) (*FetchStatus, error) {
			return client.GetFetchStatus(ctx, started.Handle)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "docfetch: poll fetch %s", started.Handle)
		}

		switch status.Status {
		case StatusDone:
			return status, nil
		case StatusFailed:
			return nil, eris.Errorf("docfetch: fetch %s failed: %s", started.Handle, status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "docfetch: poll fetch %s timed out", started.Handle)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}
