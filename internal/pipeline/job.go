package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/internal/telemetry"
	"github.com/sells-group/screening-cli/pkg/jobrunner"
)

const persistTimeout = 10 * time.Second

// JobOptions tunes stage job execution.
type JobOptions struct {
	PollInterval time.Duration
	TickInterval time.Duration
	Timeout      time.Duration
	Ceiling      float64
	Retry        resilience.Policy
}

func (o JobOptions) withDefaults() JobOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Hour
	}
	return o
}

// JobController drives the job of one (project, stage) pair:
// idle → submitting → running → succeeded | failed.
type JobController struct {
	base      context.Context
	projectID string
	stage     model.Stage
	runner    jobrunner.Client
	store     store.Store
	opts      JobOptions
	estimator *ProgressEstimator
	onChange  func(model.Stage)
	now       func() time.Time

	mu       sync.Mutex
	job      *model.Job
	cancel   context.CancelFunc
	done     chan struct{}
	lastTick time.Time
}

func newJobController(base context.Context, projectID string, stage model.Stage, runner jobrunner.Client, st store.Store, opts JobOptions, onChange func(model.Stage)) *JobController {
	opts = opts.withDefaults()
	return &JobController{
		base:      base,
		projectID: projectID,
		stage:     stage,
		runner:    runner,
		store:     st,
		opts:      opts,
		estimator: NewProgressEstimator(opts.Ceiling),
		onChange:  onChange,
		now:       time.Now,
	}
}

// Job returns a copy of the current or most recent job, if any.
func (c *JobController) Job() *model.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return nil
	}
	j := *c.job
	return &j
}

// State returns the controller state; idle when no job has run.
func (c *JobController) State() model.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return model.JobStateIdle
	}
	return c.job.State
}

// Start submits a new job. It is rejected while a job is submitting or
// running. The job runs on the controller's base context, not ctx.
func (c *JobController) Start(ctx context.Context, input jobrunner.StageInput) (*model.Job, error) {
	c.mu.Lock()
	if c.job != nil && c.job.State.IsActive() {
		c.mu.Unlock()
		return nil, newError(model.ErrorKindPreconditionViolation, "start "+string(c.stage), ErrAlreadyRunning)
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		ProjectID:   c.projectID,
		Stage:       c.stage,
		State:       model.JobStateSubmitting,
		SubmittedAt: c.now().UTC(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		c.mu.Unlock()
		if errors.Is(err, store.ErrJobActive) {
			return nil, newError(model.ErrorKindPreconditionViolation, "start "+string(c.stage), ErrAlreadyRunning)
		}
		return nil, eris.Wrapf(err, "pipeline: persist %s job", c.stage)
	}

	runCtx, cancel := context.WithTimeout(c.base, c.opts.Timeout)
	c.job = job
	c.cancel = cancel
	c.done = make(chan struct{})
	c.lastTick = c.now()
	snapshot := *job
	done := c.done
	c.mu.Unlock()

	telemetry.JobsStarted.WithLabelValues(string(c.stage)).Inc()
	telemetry.JobsActive.WithLabelValues(string(c.stage)).Inc()
	zap.L().Info("pipeline: job submitted",
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", job.ID),
	)
	c.notify()

	go c.run(runCtx, cancel, done, job.ID, input, "")
	return &snapshot, nil
}

// Cancel fails the active job as cancelled without waiting for the runner
// to confirm. The remote cancel is best effort. A controller that only
// restored the job can cancel it too; the owning loop sees the terminal row
// on its next write and stops.
func (c *JobController) Cancel(ctx context.Context) (*model.Job, error) {
	c.mu.Lock()
	if c.job == nil || !c.job.State.IsActive() {
		c.mu.Unlock()
		return nil, newError(model.ErrorKindPreconditionViolation, "cancel "+string(c.stage), ErrNotRunning)
	}

	c.markFailedLocked(model.ErrorKindCancelled, "cancelled by user")
	if !c.persistLocked(ctx) {
		c.mu.Unlock()
		c.notify()
		return nil, newError(model.ErrorKindPreconditionViolation, "cancel "+string(c.stage), ErrNotRunning)
	}
	handle := c.job.Handle
	cancel := c.cancel
	snapshot := *c.job
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != "" {
		go c.remoteCancel(handle)
	}
	c.notify()
	return &snapshot, nil
}

// Restore shows a persisted job without driving it. The job is never
// polled or failed by this controller.
func (c *JobController) Restore(job model.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != nil && c.job.State.IsActive() {
		return
	}
	j := job
	c.job = &j
}

// Resume re-attaches to a persisted job. Active jobs resume polling their
// handle; a job still submitting without a handle never reached the runner
// and is failed as interrupted. Terminal jobs are only restored for display.
func (c *JobController) Resume(job model.Job) {
	c.mu.Lock()
	if c.job != nil && c.job.State.IsActive() {
		c.mu.Unlock()
		return
	}
	j := job
	c.job = &j

	if j.State.IsTerminal() {
		c.mu.Unlock()
		return
	}

	log := zap.L().With(
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", j.ID),
	)

	if j.Handle == "" {
		c.markFailedLocked(model.ErrorKindJobFailure, "interrupted before the runner accepted the job")
		if c.persistLocked(c.base) {
			log.Warn("pipeline: job interrupted during submit")
		}
		c.mu.Unlock()
		c.notify()
		return
	}

	if j.State == model.JobStateSubmitting {
		c.job.State = model.JobStateRunning
		if !c.persistLocked(c.base) {
			c.mu.Unlock()
			c.notify()
			return
		}
	}

	runCtx, cancel := context.WithDeadline(c.base, j.SubmittedAt.Add(c.opts.Timeout))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.lastTick = c.now()
	done := c.done
	c.mu.Unlock()

	telemetry.JobsActive.WithLabelValues(string(c.stage)).Inc()
	log.Info("pipeline: resuming job", zap.String("handle", j.Handle))
	go c.run(runCtx, cancel, done, j.ID, jobrunner.StageInput{}, j.Handle)
}

// Wait blocks until the running job's loop exits or ctx ends.
func (c *JobController) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *JobController) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, jobID string, input jobrunner.StageInput, handle string) {
	defer close(done)
	defer cancel()
	defer telemetry.JobsActive.WithLabelValues(string(c.stage)).Dec()

	log := zap.L().With(
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", jobID),
	)

	retry := c.opts.Retry
	retry.OnRetry = func(attempt int, err error) {
		telemetry.PollRetries.Inc()
		resilience.LogRetry("jobrunner", string(c.stage), zap.String("job_id", jobID))(attempt, err)
	}

	if handle == "" {
		input.JobID = jobID
		resp, err := resilience.Do(ctx, retry, func(ctx context.Context) (*jobrunner.SubmitResponse, error) {
			return c.runner.Submit(ctx, string(c.stage), input)
		})
		if err != nil {
			c.finishWithError(ctx, jobID, handle, err)
			return
		}
		handle = resp.Handle
		if !c.update(jobID, func(j *model.Job) {
			j.State = model.JobStateRunning
			j.Handle = handle
		}) {
			// Cancelled while submitting.
			c.remoteCancel(handle)
			return
		}
		log.Info("pipeline: job running", zap.String("handle", handle))
	}

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	poll := time.NewTimer(c.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finishWithError(ctx, jobID, handle, ctx.Err())
			return

		case <-ticker.C:
			c.tick(jobID)

		case <-poll.C:
			resp, err := resilience.Do(ctx, retry, func(ctx context.Context) (*jobrunner.PollResponse, error) {
				return c.runner.Poll(ctx, handle)
			})
			if err != nil {
				c.finishWithError(ctx, jobID, handle, err)
				return
			}

			switch resp.Status {
			case jobrunner.StatusPending:
				if !c.update(jobID, func(*model.Job) {}) {
					return
				}
				poll.Reset(c.opts.PollInterval)

			case jobrunner.StatusFailed:
				msg := resp.Error
				if msg == "" {
					msg = "runner reported failure"
				}
				c.fail(jobID, model.ErrorKindJobFailure, msg)
				log.Warn("pipeline: job failed", zap.String("error", msg))
				return

			case jobrunner.StatusDone:
				out := resp.Result
				if out == nil {
					out, err = resilience.Do(ctx, retry, func(ctx context.Context) (*jobrunner.StageOutput, error) {
						return c.runner.Result(ctx, handle)
					})
					if err != nil {
						c.finishWithError(ctx, jobID, handle, err)
						return
					}
				}
				c.succeed(jobID, out)
				return
			}
		}
	}
}

// finishWithError turns a loop error into a terminal state. A deadline is a
// timeout and cancels the remote job; a cancelled context means Cancel or
// shutdown already decided the outcome. Exhausted retries keep their
// "retries exhausted" message.
func (c *JobController) finishWithError(ctx context.Context, jobID, handle string, err error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if handle != "" {
			c.remoteCancel(handle)
		}
		c.fail(jobID, model.ErrorKindTimeout, fmt.Sprintf("job timed out after %s", c.opts.Timeout))
	case ctx.Err() != nil:
		return
	default:
		c.fail(jobID, model.ErrorKindJobFailure, err.Error())
	}
}

func (c *JobController) succeed(jobID string, out *jobrunner.StageOutput) {
	result := store.JobResult{ProcessedCount: out.ProcessedCount}
	if out.ProcessedCount < 0 {
		c.fail(jobID, model.ErrorKindJobFailure, fmt.Sprintf("runner returned negative count %d", out.ProcessedCount))
		return
	}
	if c.stage == model.StagePrimary {
		// Repeated articles are collapsed by the store; the last one wins.
		for _, d := range out.Decisions {
			dec := model.Decision(d.Decision)
			if d.ArticleID == "" || !dec.Valid() {
				c.fail(jobID, model.ErrorKindJobFailure, fmt.Sprintf("runner returned invalid decision %q for article %q", d.Decision, d.ArticleID))
				return
			}
			result.Decisions = append(result.Decisions, model.ArticleDecision{
				ProjectID: c.projectID,
				ArticleID: d.ArticleID,
				Decision:  dec,
			})
		}
	}

	c.mu.Lock()
	if c.job == nil || c.job.ID != jobID || !c.job.State.IsActive() {
		c.mu.Unlock()
		return
	}

	ctx, cancel := c.persistCtx()
	err := c.store.CompleteJob(ctx, c.job, result)
	cancel()
	if errors.Is(err, store.ErrJobNotActive) {
		c.adoptLocked()
		c.mu.Unlock()
		c.notify()
		return
	}
	if err != nil {
		c.markFailedLocked(model.ErrorKindJobFailure, "persist result: "+err.Error())
		c.persistLocked(c.base)
		c.mu.Unlock()
		telemetry.JobsFailed.WithLabelValues(string(c.stage), string(model.ErrorKindJobFailure)).Inc()
		c.notify()
		return
	}

	now := c.now().UTC()
	c.job.State = model.JobStateSucceeded
	c.job.Progress = c.estimator.OnResolved(c.job.Progress)
	c.job.Output = out.ProcessedCount
	c.job.ErrorKind = model.ErrorKindNone
	c.job.Error = ""
	c.job.CompletedAt = &now
	c.mu.Unlock()

	telemetry.JobsSucceeded.WithLabelValues(string(c.stage)).Inc()
	zap.L().Info("pipeline: job succeeded",
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", jobID),
		zap.Int("processed", out.ProcessedCount),
	)
	c.notify()
}

// fail records a terminal failure unless the job already reached a terminal
// state. The first terminal write wins.
func (c *JobController) fail(jobID string, kind model.ErrorKind, msg string) {
	c.mu.Lock()
	if c.job == nil || c.job.ID != jobID || !c.job.State.IsActive() {
		c.mu.Unlock()
		return
	}
	c.markFailedLocked(kind, msg)
	if !c.persistLocked(c.base) {
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Unlock()

	telemetry.JobsFailed.WithLabelValues(string(c.stage), string(kind)).Inc()
	zap.L().Warn("pipeline: job failed",
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.String("error", msg),
	)
	c.notify()
}

// update applies fn to the active job and persists it. It reports false if
// the job is no longer the active one, in memory or in the store.
func (c *JobController) update(jobID string, fn func(*model.Job)) bool {
	c.mu.Lock()
	if c.job == nil || c.job.ID != jobID || !c.job.State.IsActive() {
		c.mu.Unlock()
		return false
	}
	prev := c.job.State
	fn(c.job)
	if !c.persistLocked(c.base) {
		c.mu.Unlock()
		c.notify()
		return false
	}
	changed := prev != c.job.State
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	return true
}

func (c *JobController) tick(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || c.job.ID != jobID || !c.job.State.IsActive() {
		return
	}
	now := c.now()
	c.job.Progress = c.estimator.Tick(now.Sub(c.lastTick), c.job.Progress)
	c.lastTick = now
}

func (c *JobController) markFailedLocked(kind model.ErrorKind, msg string) {
	now := c.now().UTC()
	c.job.State = model.JobStateFailed
	c.job.ErrorKind = kind
	c.job.Error = msg
	c.job.CompletedAt = &now
}

// persistLocked writes the job row. It reports false when the row was
// already terminal; the stored state is then adopted. Other failures are
// logged and the in-memory state stays authoritative until the next write.
func (c *JobController) persistLocked(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := c.store.UpdateJob(pctx, c.job)
	if errors.Is(err, store.ErrJobNotActive) {
		c.adoptLocked()
		return false
	}
	if err != nil {
		zap.L().Error("pipeline: persist job",
			zap.String("project_id", c.projectID),
			zap.String("stage", string(c.stage)),
			zap.String("job_id", c.job.ID),
			zap.Error(err),
		)
	}
	return true
}

// adoptLocked replaces the in-memory job with the terminal row written by
// another controller and stops the local loop.
func (c *JobController) adoptLocked() {
	ctx, cancel := c.persistCtx()
	defer cancel()

	log := zap.L().With(
		zap.String("project_id", c.projectID),
		zap.String("stage", string(c.stage)),
		zap.String("job_id", c.job.ID),
	)
	stored, err := c.store.GetJob(ctx, c.job.ID)
	switch {
	case err != nil:
		log.Error("pipeline: reload job", zap.Error(err))
		c.markFailedLocked(model.ErrorKindJobFailure, "job ended outside this controller")
	case !stored.State.IsTerminal():
		c.markFailedLocked(model.ErrorKindJobFailure, "job ended outside this controller")
	default:
		c.job = stored
		log.Info("pipeline: job ended elsewhere", zap.String("state", string(stored.State)))
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *JobController) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.base), persistTimeout)
}

func (c *JobController) remoteCancel(handle string) {
	ctx, cancel := c.persistCtx()
	defer cancel()
	if err := c.runner.Cancel(ctx, handle); err != nil {
		zap.L().Warn("pipeline: remote cancel failed",
			zap.String("project_id", c.projectID),
			zap.String("stage", string(c.stage)),
			zap.String("handle", handle),
			zap.Error(err),
		)
	}
}

func (c *JobController) notify() {
	if c.onChange != nil {
		c.onChange(c.stage)
	}
}
