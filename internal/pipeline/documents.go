package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/screening-cli/internal/lock"
	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/telemetry"
	"github.com/sells-group/screening-cli/pkg/docfetch"
)

// AvailabilityChecker reports how many of a project's documents are present.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, projectID string) (model.DocumentAvailability, error)
}

// DocumentFetcher downloads a project's documents and reports how many
// arrived.
type DocumentFetcher interface {
	FetchAll(ctx context.Context, projectID string) (int, error)
}

// DocumentResult is the outcome of Ensure.
type DocumentResult struct {
	AlreadyPresent bool                       `json:"already_present"`
	Downloaded     int                        `json:"downloaded"`
	Availability   model.DocumentAvailability `json:"availability"`
}

// DocumentAcquisition makes a project's full texts available before
// secondary screening. Concurrent calls for a project share one fetch, and
// the locker extends that guarantee across processes.
type DocumentAcquisition struct {
	checker AvailabilityChecker
	fetcher DocumentFetcher
	locker  lock.Locker
	timeout time.Duration
	group   singleflight.Group
}

// NewDocumentAcquisition builds a DocumentAcquisition. A nil locker means
// in-process exclusion only.
func NewDocumentAcquisition(checker AvailabilityChecker, fetcher DocumentFetcher, locker lock.Locker, timeout time.Duration) *DocumentAcquisition {
	if locker == nil {
		locker = lock.NewMemory()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &DocumentAcquisition{checker: checker, fetcher: fetcher, locker: locker, timeout: timeout}
}

// Ensure returns immediately when documents are already present; otherwise
// it fetches them, waits, and re-checks. Any failure is a *DocumentError.
func (d *DocumentAcquisition) Ensure(ctx context.Context, projectID string) (*DocumentResult, error) {
	avail, err := d.checker.CheckAvailability(ctx, projectID)
	if err != nil {
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Wrap(err, "check availability")}
	}
	if avail.Exists() {
		telemetry.DocFetches.WithLabelValues("already_present").Inc()
		return &DocumentResult{AlreadyPresent: true, Availability: avail}, nil
	}

	// The fetch outlives any single caller so joiners are not failed by the
	// first caller giving up.
	ch := d.group.DoChan(projectID, func() (any, error) {
		return d.acquire(context.WithoutCancel(ctx), projectID)
	})

	select {
	case <-ctx.Done():
		return nil, &DocumentError{ProjectID: projectID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := *res.Val.(*DocumentResult)
		return &r, nil
	}
}

func (d *DocumentAcquisition) acquire(ctx context.Context, projectID string) (*DocumentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	log := zap.L().With(zap.String("project_id", projectID))

	release, err := d.locker.Acquire(ctx, "documents:"+projectID)
	if err != nil {
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Wrap(err, "acquire lock")}
	}
	defer release()

	// Another process may have finished while we waited for the lock.
	avail, err := d.checker.CheckAvailability(ctx, projectID)
	if err != nil {
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Wrap(err, "check availability")}
	}
	if avail.Exists() {
		telemetry.DocFetches.WithLabelValues("already_present").Inc()
		return &DocumentResult{AlreadyPresent: true, Availability: avail}, nil
	}

	log.Info("pipeline: fetching documents", zap.Int("expected", avail.TotalExpected))
	downloaded, err := d.fetcher.FetchAll(ctx, projectID)
	if err != nil {
		telemetry.DocFetches.WithLabelValues("failed").Inc()
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Wrap(err, "fetch")}
	}

	avail, err = d.checker.CheckAvailability(ctx, projectID)
	if err != nil {
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Wrap(err, "re-check availability")}
	}
	if !avail.Exists() {
		telemetry.DocFetches.WithLabelValues("failed").Inc()
		return nil, &DocumentError{ProjectID: projectID, Err: eris.Errorf("fetch reported %d downloaded but no documents are available", downloaded)}
	}

	telemetry.DocFetches.WithLabelValues("downloaded").Inc()
	log.Info("pipeline: documents fetched", zap.Int("downloaded", downloaded), zap.Int("present", avail.TotalPresent))
	return &DocumentResult{Downloaded: downloaded, Availability: avail}, nil
}

// RunnerDocuments adapts the document fetch runner to AvailabilityChecker
// and DocumentFetcher.
type RunnerDocuments struct {
	client docfetch.Client
	opts   []docfetch.PollOption
}

// NewRunnerDocuments wraps a docfetch client.
func NewRunnerDocuments(client docfetch.Client, opts ...docfetch.PollOption) *RunnerDocuments {
	return &RunnerDocuments{client: client, opts: opts}
}

func (r *RunnerDocuments) CheckAvailability(ctx context.Context, projectID string) (model.DocumentAvailability, error) {
	a, err := r.client.CheckAvailability(ctx, projectID)
	if err != nil {
		return model.DocumentAvailability{}, err
	}
	return model.DocumentAvailability{ProjectID: projectID, TotalExpected: a.Expected, TotalPresent: a.Present}, nil
}

func (r *RunnerDocuments) FetchAll(ctx context.Context, projectID string) (int, error) {
	st, err := docfetch.FetchAll(ctx, r.client, projectID, r.opts...)
	if err != nil {
		return 0, err
	}
	return st.Downloaded, nil
}
