package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/pkg/jobrunner"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// newTestProject creates a project whose stages already processed counts.
func newTestProject(t *testing.T, st store.Store, counts model.Counts) *model.Project {
	t.Helper()
	p, err := st.CreateProject(context.Background(), model.Project{
		Title:       "Hip stem SLR",
		Owner:       "reviewer",
		Criteria:    "adults; cementless stems",
		IFUDocument: "ifu-2024-07",
	})
	require.NoError(t, err)
	for _, s := range model.Stages {
		if n := counts.Get(s); n > 0 {
			seedCount(t, st, p.ID, s, n)
		}
	}
	return p
}

func seedCount(t *testing.T, st store.Store, projectID string, stage model.Stage, n int) {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ProjectID: projectID, Stage: stage, State: model.JobStateRunning, Handle: "seed"}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.CompleteJob(ctx, job, store.JobResult{ProcessedCount: n}))
}

func fastOptions() JobOptions {
	return JobOptions{
		PollInterval: 5 * time.Millisecond,
		TickInterval: 2 * time.Millisecond,
		Timeout:      5 * time.Second,
		Retry: resilience.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func baseContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func waitDone(t *testing.T, jc *JobController) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, jc.Wait(ctx))
}

// fakeRunner scripts the stage job runner. Nil funcs fall back to a
// runner that accepts every job and keeps it pending.
type fakeRunner struct {
	mu        sync.Mutex
	submitFn  func(n int) (*jobrunner.SubmitResponse, error)
	pollFn    func(n int) (*jobrunner.PollResponse, error)
	resultFn  func() (*jobrunner.StageOutput, error)
	submits   int
	polls     int
	inputs    []jobrunner.StageInput
	cancelled []string
}

func (f *fakeRunner) Submit(_ context.Context, stage string, in jobrunner.StageInput) (*jobrunner.SubmitResponse, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	f.inputs = append(f.inputs, in)
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return &jobrunner.SubmitResponse{Handle: fmt.Sprintf("%s-%d", stage, n)}, nil
}

func (f *fakeRunner) Poll(_ context.Context, _ string) (*jobrunner.PollResponse, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return &jobrunner.PollResponse{Status: jobrunner.StatusPending}, nil
}

func (f *fakeRunner) Result(_ context.Context, _ string) (*jobrunner.StageOutput, error) {
	f.mu.Lock()
	fn := f.resultFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return &jobrunner.StageOutput{}, nil
}

func (f *fakeRunner) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeRunner) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeRunner) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeRunner) cancelledHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// pendingThen reports pending for the first n polls, then done with out.
func pendingThen(n int, out *jobrunner.StageOutput) func(int) (*jobrunner.PollResponse, error) {
	return func(call int) (*jobrunner.PollResponse, error) {
		if call <= n {
			return &jobrunner.PollResponse{Status: jobrunner.StatusPending}, nil
		}
		return &jobrunner.PollResponse{Status: jobrunner.StatusDone, Result: out}, nil
	}
}
