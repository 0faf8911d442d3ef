package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/pkg/jobrunner"
)

type transitionLog struct {
	mu     sync.Mutex
	stages []model.Stage
}

func (l *transitionLog) record(s model.Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, s)
}

func (l *transitionLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stages)
}

func newTestJobController(t *testing.T, st store.Store, projectID string, stage model.Stage, runner jobrunner.Client, opts JobOptions) (*JobController, *transitionLog) {
	t.Helper()
	log := &transitionLog{}
	return newJobController(baseContext(t), projectID, stage, runner, st, opts, log.record), log
}

func TestJobController_SucceedsAfterPendingPolls(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{Literature: 120})
	runner := &fakeRunner{pollFn: pendingThen(3, &jobrunner.StageOutput{ProcessedCount: 45})}
	jc, transitions := newTestJobController(t, st, p.ID, model.StagePrimary, runner, fastOptions())

	assert.Equal(t, model.JobStateIdle, jc.State())

	job, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSubmitting, job.State)

	waitDone(t, jc)

	got := jc.Job()
	require.NotNil(t, got)
	assert.Equal(t, model.JobStateSucceeded, got.State)
	assert.Equal(t, 45, got.Output)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, model.ErrorKindNone, got.ErrorKind)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 4, runner.pollCount())

	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, counts.Primary)
	assert.Equal(t, 120, counts.Literature)

	persisted, err := st.GetJob(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, persisted.State)
	assert.Equal(t, "primary-1", persisted.Handle)

	// submitting, running, succeeded
	assert.GreaterOrEqual(t, transitions.len(), 3)
}

func TestJobController_ProgressMonotoneWhileRunning(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	release := make(chan struct{})
	runner := &fakeRunner{pollFn: func(int) (*jobrunner.PollResponse, error) {
		select {
		case <-release:
			return &jobrunner.PollResponse{Status: jobrunner.StatusDone, Result: &jobrunner.StageOutput{ProcessedCount: 7}}, nil
		default:
			return &jobrunner.PollResponse{Status: jobrunner.StatusPending}, nil
		}
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)

	last := 0.0
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		j := jc.Job()
		assert.GreaterOrEqual(t, j.Progress, last)
		assert.Less(t, j.Progress, 100.0)
		assert.LessOrEqual(t, j.Progress, DefaultProgressCeiling)
		last = j.Progress
		time.Sleep(3 * time.Millisecond)
	}
	assert.Greater(t, last, 0.0)

	close(release)
	waitDone(t, jc)
	assert.Equal(t, 100.0, jc.Job().Progress)
}

func TestJobController_StartWhileActiveRejected(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	first, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)

	_, err = jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, model.ErrorKindPreconditionViolation, KindOf(err))
	assert.Equal(t, first.ID, jc.Job().ID)

	require.Eventually(t, func() bool { return runner.submitCount() == 1 }, time.Second, time.Millisecond)
}

func TestJobController_StartRejectedWhenStoreHasActiveJob(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	require.NoError(t, st.CreateJob(context.Background(), &model.Job{
		ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateRunning, Handle: "other-process",
	}))

	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, &fakeRunner{}, fastOptions())
	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, model.JobStateIdle, jc.State())
}

func TestJobController_RunnerFailureKeepsCount(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{Literature: 120})
	runner := &fakeRunner{pollFn: func(int) (*jobrunner.PollResponse, error) {
		return &jobrunner.PollResponse{Status: jobrunner.StatusFailed, Error: "search provider rejected query"}, nil
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	got := jc.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindJobFailure, got.ErrorKind)
	assert.Equal(t, "search provider rejected query", got.Error)
	assert.Less(t, got.Progress, 100.0)

	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, counts.Literature)
}

func TestJobController_RestartAfterFailure(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{pollFn: func(n int) (*jobrunner.PollResponse, error) {
		if n == 1 {
			return &jobrunner.PollResponse{Status: jobrunner.StatusFailed}, nil
		}
		return &jobrunner.PollResponse{Status: jobrunner.StatusDone, Result: &jobrunner.StageOutput{ProcessedCount: 9}}, nil
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)
	assert.Equal(t, model.JobStateFailed, jc.State())
	assert.Equal(t, "runner reported failure", jc.Job().Error)

	_, err = jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)
	assert.Equal(t, model.JobStateSucceeded, jc.State())
	assert.Equal(t, 9, jc.Job().Output)
}

func TestJobController_Cancel(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return jc.State() == model.JobStateRunning }, time.Second, time.Millisecond)

	job, err := jc.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, model.ErrorKindCancelled, job.ErrorKind)

	waitDone(t, jc)
	assert.Equal(t, model.ErrorKindCancelled, jc.Job().ErrorKind)
	require.Eventually(t, func() bool {
		return len(runner.cancelledHandles()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"literature-1"}, runner.cancelledHandles())

	persisted, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, persisted.State)
	assert.Equal(t, model.ErrorKindCancelled, persisted.ErrorKind)

	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Literature)
}

func TestJobController_CancelWhenIdle(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, &fakeRunner{}, fastOptions())

	_, err := jc.Cancel(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, model.ErrorKindPreconditionViolation, KindOf(err))
}

func TestJobController_Timeout(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{}
	opts := fastOptions()
	opts.Timeout = 40 * time.Millisecond
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, opts)

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	got := jc.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindTimeout, got.ErrorKind)
	assert.Contains(t, got.Error, "timed out")
	assert.Equal(t, []string{"literature-1"}, runner.cancelledHandles())
}

func TestJobController_TransientPollErrorsRetried(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{pollFn: func(n int) (*jobrunner.PollResponse, error) {
		if n <= 2 {
			return nil, resilience.NewTransientError(errors.New("503 service unavailable"), 503)
		}
		return &jobrunner.PollResponse{Status: jobrunner.StatusDone, Result: &jobrunner.StageOutput{ProcessedCount: 3}}, nil
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	assert.Equal(t, model.JobStateSucceeded, jc.State())
	assert.Equal(t, 3, runner.pollCount())
}

func TestJobController_RetriesExhausted(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{pollFn: func(int) (*jobrunner.PollResponse, error) {
		return nil, resilience.NewTransientError(errors.New("connection reset by peer"), 0)
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	got := jc.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindJobFailure, got.ErrorKind)
	assert.Contains(t, got.Error, "retries exhausted")
	assert.Equal(t, 3, runner.pollCount())
}

func TestJobController_SubmitRejected(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{submitFn: func(int) (*jobrunner.SubmitResponse, error) {
		return nil, &jobrunner.APIError{StatusCode: 400, Body: "missing criteria"}
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	got := jc.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindJobFailure, got.ErrorKind)
	assert.Contains(t, got.Error, "missing criteria")
	assert.Equal(t, 1, runner.submitCount())
	assert.Empty(t, got.Handle)
}

func TestJobController_ResultFetchedWhenNotInlined(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{Literature: 10})
	runner := &fakeRunner{
		pollFn: pendingThen(0, nil),
		resultFn: func() (*jobrunner.StageOutput, error) {
			return &jobrunner.StageOutput{
				ProcessedCount: 2,
				Decisions: []jobrunner.Decision{
					{ArticleID: "A1", Decision: "include"},
					{ArticleID: "A2", Decision: "exclude"},
				},
			}, nil
		},
	}
	jc, _ := newTestJobController(t, st, p.ID, model.StagePrimary, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)
	require.Equal(t, model.JobStateSucceeded, jc.State())

	decisions, err := st.ListDecisions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, model.DecisionInclude, decisions[0].Decision)
	assert.Equal(t, model.DecisionExclude, decisions[1].Decision)
}

func TestJobController_InvalidDecisionFailsJob(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{Literature: 10})
	runner := &fakeRunner{pollFn: pendingThen(0, &jobrunner.StageOutput{
		ProcessedCount: 1,
		Decisions:      []jobrunner.Decision{{ArticleID: "A1", Decision: "maybe"}},
	})}
	jc, _ := newTestJobController(t, st, p.ID, model.StagePrimary, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)

	assert.Equal(t, model.JobStateFailed, jc.State())
	assert.Contains(t, jc.Job().Error, "invalid decision")
	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Primary)
}

func TestJobController_ResumeRunningJob(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	persisted := &model.Job{
		ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateRunning,
		Handle: "remote-77", Progress: 40,
	}
	require.NoError(t, st.CreateJob(context.Background(), persisted))

	runner := &fakeRunner{pollFn: pendingThen(1, &jobrunner.StageOutput{ProcessedCount: 88})}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	jc.Resume(*persisted)
	waitDone(t, jc)

	assert.Equal(t, model.JobStateSucceeded, jc.State())
	assert.Equal(t, 0, runner.submitCount())
	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 88, counts.Literature)
}

func TestJobController_ResumeSubmittingWithoutHandle(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	persisted := &model.Job{ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateSubmitting}
	require.NoError(t, st.CreateJob(context.Background(), persisted))

	runner := &fakeRunner{}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())
	jc.Resume(*persisted)

	got := jc.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindJobFailure, got.ErrorKind)
	assert.Contains(t, got.Error, "interrupted")
	assert.Equal(t, 0, runner.submitCount())

	stored, err := st.GetJob(context.Background(), persisted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, stored.State)
}

func TestJobController_ResumeTerminalIsDisplayOnly(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	now := time.Now().UTC()
	done := model.Job{
		ID: "j-1", ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateSucceeded,
		Progress: 100, Output: 5, CompletedAt: &now,
	}

	runner := &fakeRunner{}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())
	jc.Resume(done)

	assert.Equal(t, model.JobStateSucceeded, jc.State())
	assert.Equal(t, 5, jc.Job().Output)
	require.NoError(t, jc.Wait(context.Background()))
	assert.Equal(t, 0, runner.pollCount())
}

func TestJobController_CancelDuringSubmit(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	unblock := make(chan struct{})
	runner := &fakeRunner{submitFn: func(int) (*jobrunner.SubmitResponse, error) {
		<-unblock
		return &jobrunner.SubmitResponse{Handle: "late-handle"}, nil
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.submitCount() == 1 }, time.Second, time.Millisecond)

	job, err := jc.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ErrorKindCancelled, job.ErrorKind)

	close(unblock)
	waitDone(t, jc)

	assert.Equal(t, model.JobStateFailed, jc.State())
	assert.Equal(t, model.ErrorKindCancelled, jc.Job().ErrorKind)
	assert.Equal(t, 0, runner.pollCount())
}

// restoredCopy returns a second controller showing the stored job, the way
// another process sees a job it does not own.
func restoredCopy(t *testing.T, st store.Store, projectID string, stage model.Stage, jobID string, runner jobrunner.Client) *JobController {
	t.Helper()
	stored, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	jc, _ := newTestJobController(t, st, projectID, stage, runner, fastOptions())
	jc.Restore(*stored)
	return jc
}

func TestJobController_OwnerAdoptsCancelFromAnotherController(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{}
	owner, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	job, err := owner.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.pollCount() >= 1 }, time.Second, time.Millisecond)

	otherRunner := &fakeRunner{}
	other := restoredCopy(t, st, p.ID, model.StageLiterature, job.ID, otherRunner)
	cancelled, err := other.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ErrorKindCancelled, cancelled.ErrorKind)
	assert.Equal(t, 0, otherRunner.pollCount())

	waitDone(t, owner)

	got := owner.Job()
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, model.ErrorKindCancelled, got.ErrorKind)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, stored.State, "a pending poll must not revive a cancelled row")
	assert.Equal(t, model.ErrorKindCancelled, stored.ErrorKind)
	require.Eventually(t, func() bool { return len(otherRunner.cancelledHandles()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"literature-1"}, otherRunner.cancelledHandles())

	_, err = owner.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	assert.NoError(t, err)
}

func TestJobController_OwnerAdoptsCancelWhileResultInFlight(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	release := make(chan struct{})
	runner := &fakeRunner{pollFn: func(int) (*jobrunner.PollResponse, error) {
		<-release
		return &jobrunner.PollResponse{Status: jobrunner.StatusDone, Result: &jobrunner.StageOutput{ProcessedCount: 9}}, nil
	}}
	owner, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	job, err := owner.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.pollCount() == 1 }, time.Second, time.Millisecond)

	other := restoredCopy(t, st, p.ID, model.StageLiterature, job.ID, &fakeRunner{})
	_, err = other.Cancel(context.Background())
	require.NoError(t, err)

	close(release)
	waitDone(t, owner)

	assert.Equal(t, model.JobStateFailed, owner.State())
	assert.Equal(t, model.ErrorKindCancelled, owner.Job().ErrorKind)
	counts, err := st.ListCounts(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Literature)

	_, err = owner.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	assert.NoError(t, err, "a stale active state must not block the next start")
}

func TestJobController_CancelAfterJobEndedElsewhere(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	job := &model.Job{ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateRunning, Handle: "remote-3"}
	require.NoError(t, st.CreateJob(context.Background(), job))

	viewer := restoredCopy(t, st, p.ID, model.StageLiterature, job.ID, &fakeRunner{})
	require.NoError(t, st.CompleteJob(context.Background(), job, store.JobResult{ProcessedCount: 4}))

	_, err := viewer.Cancel(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, model.JobStateSucceeded, viewer.State())

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, stored.State)
}

func TestJobController_RestoreNeverDrivesJob(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	job := &model.Job{ProjectID: p.ID, Stage: model.StageLiterature, State: model.JobStateSubmitting}
	require.NoError(t, st.CreateJob(context.Background(), job))

	runner := &fakeRunner{}
	viewer := restoredCopy(t, st, p.ID, model.StageLiterature, job.ID, runner)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, model.JobStateSubmitting, viewer.State())
	assert.Equal(t, 0, runner.pollCount())
	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSubmitting, stored.State)
}

func TestJobController_DuplicateDecisionsLastWins(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{Literature: 10})
	runner := &fakeRunner{pollFn: pendingThen(0, &jobrunner.StageOutput{
		ProcessedCount: 2,
		Decisions: []jobrunner.Decision{
			{ArticleID: "A1", Decision: "include"},
			{ArticleID: "A2", Decision: "exclude"},
			{ArticleID: "A1", Decision: "exclude"},
		},
	})}
	jc, _ := newTestJobController(t, st, p.ID, model.StagePrimary, runner, fastOptions())

	_, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	waitDone(t, jc)
	require.Equal(t, model.JobStateSucceeded, jc.State())

	decisions, err := st.ListDecisions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "A1", decisions[0].ArticleID)
	assert.Equal(t, model.DecisionExclude, decisions[0].Decision)
	assert.Equal(t, "A2", decisions[1].ArticleID)
}

func TestJobController_SubmitRetriesReuseJobID(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st, model.Counts{})
	runner := &fakeRunner{submitFn: func(n int) (*jobrunner.SubmitResponse, error) {
		if n == 1 {
			return nil, resilience.NewTransientError(errors.New("read response body: unexpected EOF"), 0)
		}
		return &jobrunner.SubmitResponse{Handle: "h-2"}, nil
	}}
	jc, _ := newTestJobController(t, st, p.ID, model.StageLiterature, runner, fastOptions())

	job, err := jc.Start(context.Background(), jobrunner.StageInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return jc.State() == model.JobStateRunning }, time.Second, time.Millisecond)

	runner.mu.Lock()
	inputs := append([]jobrunner.StageInput(nil), runner.inputs...)
	runner.mu.Unlock()
	require.Len(t, inputs, 2)
	assert.Equal(t, job.ID, inputs[0].JobID)
	assert.Equal(t, job.ID, inputs[1].JobID)
}
