package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/screening-cli/internal/lock"
	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/internal/telemetry"
	"github.com/sells-group/screening-cli/pkg/jobrunner"
)

// Action is a stage command.
type Action string

const (
	ActionStart  Action = "start"
	ActionCancel Action = "cancel"
)

// Outcome is the result of a Command. Rejected commands carry the error
// kind and message instead of returning an error.
type Outcome struct {
	Stage     model.Stage     `json:"stage" yaml:"stage"`
	Action    Action          `json:"action" yaml:"action"`
	Accepted  bool            `json:"accepted" yaml:"accepted"`
	Job       *model.Job      `json:"job,omitempty" yaml:"job,omitempty"`
	ErrorKind model.ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// OverrideOutcome is the result of Override.
type OverrideOutcome struct {
	Accepted  bool                 `json:"accepted" yaml:"accepted"`
	Entry     *model.OverrideEntry `json:"entry,omitempty" yaml:"entry,omitempty"`
	ErrorKind model.ErrorKind      `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// StageSnapshot is the presentation view of one stage. Status comes from
// the gate and JobState from the stage's job; the two are independent.
type StageSnapshot struct {
	Stage     model.Stage       `json:"stage" yaml:"stage"`
	Status    model.StageStatus `json:"status" yaml:"status"`
	Count     int               `json:"count" yaml:"count"`
	JobState  model.JobState    `json:"job_state" yaml:"job_state"`
	Progress  float64           `json:"progress" yaml:"progress"`
	Job       *model.Job        `json:"job,omitempty" yaml:"job,omitempty"`
	ErrorKind model.ErrorKind   `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Snapshot is the read-only view of a project's pipeline.
type Snapshot struct {
	ProjectID string          `json:"project_id" yaml:"project_id"`
	Title     string          `json:"title" yaml:"title"`
	Counts    model.Counts    `json:"counts" yaml:"counts"`
	Gate      Gate            `json:"gate" yaml:"gate"`
	Stages    []StageSnapshot `json:"stages" yaml:"stages"`
	TakenAt   time.Time       `json:"taken_at" yaml:"taken_at"`
}

// Stage returns the snapshot of one stage.
func (s Snapshot) Stage(stage model.Stage) StageSnapshot {
	for _, st := range s.Stages {
		if st.Stage == stage {
			return st
		}
	}
	return StageSnapshot{Stage: stage, Status: model.StageStatusLocked, JobState: model.JobStateIdle}
}

// AttachMode selects whether a controller drives the project's jobs.
type AttachMode int

const (
	// AttachOwn takes the project's ownership lease and resumes polling
	// persisted jobs. At most one owner exists per project.
	AttachOwn AttachMode = iota
	// AttachObserve restores persisted jobs for display only. Observers can
	// read, override and cancel, but never poll, fail or start jobs.
	AttachObserve
)

const defaultLeaseWait = 250 * time.Millisecond

// Deps are the collaborators of a Controller.
type Deps struct {
	Store  store.Store
	Runner jobrunner.Client
	// Documents is required before secondary screening starts. Nil skips
	// acquisition.
	Documents *DocumentAcquisition
	Options   JobOptions
	// BaseContext bounds every job goroutine. Defaults to context.Background.
	BaseContext context.Context
	Mode        AttachMode
	// Leases hands out project ownership leases. Defaults to an in-process
	// locker; share a Redis locker to exclude owners in other processes.
	Leases lock.Locker
	// LeaseWait bounds how long an owning attach waits for a current owner.
	LeaseWait time.Duration
}

// Controller owns one project's pipeline: it routes commands to the
// stage job controllers, re-derives the gate after every transition, and
// records overrides. Start, Cancel and Override are serialized.
type Controller struct {
	projectID string
	store     store.Store
	docs      *DocumentAcquisition
	ledger    *OverrideLedger
	jobs      map[model.Stage]*JobController
	now       func() time.Time
	mode      AttachMode
	release   lock.Release

	mu sync.Mutex

	stateMu sync.RWMutex
	gate    Gate
	docErr  map[model.Stage]error
}

// Attach loads a project and derives its gate. An owning attach takes the
// project lease and resumes any job that was still in flight when the
// previous owner stopped; an observing attach only restores job state.
func Attach(ctx context.Context, projectID string, deps Deps) (*Controller, error) {
	if _, err := deps.Store.GetProject(ctx, projectID); err != nil {
		return nil, eris.Wrapf(err, "pipeline: attach %s", projectID)
	}

	var release lock.Release
	if deps.Mode == AttachOwn {
		r, err := acquireLease(ctx, projectID, deps)
		if err != nil {
			return nil, err
		}
		release = r
	}

	c, err := attach(ctx, projectID, deps)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	c.release = release
	return c, nil
}

func acquireLease(ctx context.Context, projectID string, deps Deps) (lock.Release, error) {
	leases := deps.Leases
	if leases == nil {
		leases = lock.NewMemory()
	}
	wait := deps.LeaseWait
	if wait <= 0 {
		wait = defaultLeaseWait
	}
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	release, err := leases.Acquire(lctx, "project:"+projectID)
	if errors.Is(err, lock.ErrNotAcquired) && ctx.Err() == nil {
		return nil, newError(model.ErrorKindPreconditionViolation, "attach "+projectID, ErrProjectOwned)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: attach %s: lease", projectID)
	}
	return release, nil
}

func attach(ctx context.Context, projectID string, deps Deps) (*Controller, error) {
	counts, err := deps.Store.ListCounts(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: attach %s: counts", projectID)
	}

	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}

	c := &Controller{
		projectID: projectID,
		store:     deps.Store,
		docs:      deps.Documents,
		ledger:    NewOverrideLedger(deps.Store),
		jobs:      make(map[model.Stage]*JobController, len(model.Stages)),
		now:       time.Now,
		mode:      deps.Mode,
		gate:      ComputeStatuses(counts),
		docErr:    make(map[model.Stage]error),
	}
	for _, s := range model.Stages {
		c.jobs[s] = newJobController(base, projectID, s, deps.Runner, deps.Store, deps.Options, c.onTransition)
	}

	records, err := deps.Store.ListStageRecords(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: attach %s: stage records", projectID)
	}

	jobs := make([]*model.Job, len(records))
	g, gctx := errgroup.WithContext(ctx)
	for i, rec := range records {
		if rec.LastJobID == "" || !rec.Stage.Valid() {
			continue
		}
		g.Go(func() error {
			j, err := deps.Store.GetJob(gctx, rec.LastJobID)
			if err != nil {
				return eris.Wrapf(err, "pipeline: load %s job %s", rec.Stage, rec.LastJobID)
			}
			jobs[i] = j
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if j == nil {
			continue
		}
		if deps.Mode == AttachOwn {
			c.jobs[j.Stage].Resume(*j)
		} else {
			c.jobs[j.Stage].Restore(*j)
		}
	}

	zap.L().Info("pipeline: attached",
		zap.String("project_id", projectID),
		zap.Bool("owner", deps.Mode == AttachOwn),
		zap.String("literature", string(c.gate.Literature)),
		zap.String("primary", string(c.gate.Primary)),
		zap.String("secondary", string(c.gate.Secondary)),
	)
	return c, nil
}

// Gate returns the gate as of the last transition.
func (c *Controller) Gate() Gate {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.gate
}

// Command applies a stage action. It never returns an error; rejections
// and failures are reported in the Outcome.
func (c *Controller) Command(ctx context.Context, stage model.Stage, action Action) Outcome {
	out := Outcome{Stage: stage, Action: action}

	var job *model.Job
	var err error
	switch {
	case !stage.Valid():
		err = newError(model.ErrorKindValidation, "command", ErrInvalidStage)
	case action == ActionStart:
		job, err = c.start(ctx, stage)
	case action == ActionCancel:
		job, err = c.cancel(ctx, stage)
	default:
		err = newError(model.ErrorKindValidation, "command", ErrInvalidAction)
	}

	result := "accepted"
	if err != nil {
		out.ErrorKind = KindOf(err)
		out.Error = err.Error()
		result = string(out.ErrorKind)
		zap.L().Info("pipeline: command rejected",
			zap.String("project_id", c.projectID),
			zap.String("stage", string(stage)),
			zap.String("action", string(action)),
			zap.String("kind", string(out.ErrorKind)),
			zap.Error(err),
		)
	} else {
		out.Accepted = true
		out.Job = job
	}
	telemetry.CommandsTotal.WithLabelValues(string(stage), string(action), result).Inc()
	return out
}

func (c *Controller) start(ctx context.Context, stage model.Stage) (*model.Job, error) {
	if c.mode != AttachOwn {
		return nil, newError(model.ErrorKindPreconditionViolation, "start "+string(stage), ErrNotOwner)
	}
	if err := c.checkStartable(ctx, stage); err != nil {
		return nil, err
	}

	// Document acquisition can take minutes, so it runs before the command
	// lock is taken and the gate is re-checked afterwards.
	if stage == model.StageSecondary && c.docs != nil {
		if _, err := c.docs.Ensure(ctx, c.projectID); err != nil {
			c.setDocErr(stage, err)
			return nil, err
		}
		c.setDocErr(stage, nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkStartable(ctx, stage); err != nil {
		return nil, err
	}
	project, err := c.store.GetProject(ctx, c.projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load project %s", c.projectID)
	}
	return c.jobs[stage].Start(ctx, jobrunner.StageInput{
		ProjectID:   project.ID,
		Criteria:    project.Criteria,
		IFUDocument: project.IFUDocument,
	})
}

func (c *Controller) checkStartable(ctx context.Context, stage model.Stage) error {
	op := "start " + string(stage)
	if c.jobs[stage].State().IsActive() {
		return newError(model.ErrorKindPreconditionViolation, op, ErrAlreadyRunning)
	}
	counts, err := c.store.ListCounts(ctx, c.projectID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: %s: counts", op)
	}
	if ComputeStatuses(counts).Get(stage) == model.StageStatusLocked {
		return newError(model.ErrorKindPreconditionViolation, op, ErrStageLocked)
	}
	return nil
}

func (c *Controller) cancel(ctx context.Context, stage model.Stage) (*model.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[stage].Cancel(ctx)
}

// Wait blocks until the stage's current job loop exits or ctx ends.
func (c *Controller) Wait(ctx context.Context, stage model.Stage) error {
	jc, ok := c.jobs[stage]
	if !ok {
		return newError(model.ErrorKindValidation, "wait", ErrInvalidStage)
	}
	return jc.Wait(ctx)
}

// releaseLease gives up project ownership. Job loops must already be stopped.
func (c *Controller) releaseLease() {
	if c.release != nil {
		c.release()
	}
}

// Snapshot derives the view from durable counts plus live job state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	project, err := c.store.GetProject(ctx, c.projectID)
	if err != nil {
		return Snapshot{}, eris.Wrapf(err, "pipeline: snapshot %s", c.projectID)
	}
	counts, err := c.store.ListCounts(ctx, c.projectID)
	if err != nil {
		return Snapshot{}, eris.Wrapf(err, "pipeline: snapshot %s: counts", c.projectID)
	}
	gate := ComputeStatuses(counts)

	c.stateMu.Lock()
	c.gate = gate
	docErr := make(map[model.Stage]error, len(c.docErr))
	for k, v := range c.docErr {
		docErr[k] = v
	}
	c.stateMu.Unlock()

	snap := Snapshot{
		ProjectID: c.projectID,
		Title:     project.Title,
		Counts:    counts,
		Gate:      gate,
		Stages:    make([]StageSnapshot, 0, len(model.Stages)),
		TakenAt:   c.now().UTC(),
	}
	for _, s := range model.Stages {
		ss := StageSnapshot{
			Stage:    s,
			Status:   gate.Get(s),
			Count:    counts.Get(s),
			JobState: model.JobStateIdle,
		}
		if j := c.jobs[s].Job(); j != nil {
			ss.Job = j
			ss.JobState = j.State
			ss.Progress = j.Progress
			ss.ErrorKind = j.ErrorKind
			ss.Error = j.Error
		}
		if err := docErr[s]; err != nil && !ss.JobState.IsActive() {
			ss.ErrorKind = KindOf(err)
			ss.Error = err.Error()
		}
		snap.Stages = append(snap.Stages, ss)
	}
	return snap, nil
}

// Override records a manual decision change for an article.
func (c *Controller) Override(ctx context.Context, articleID string, decision model.Decision, rationale, actor string) OverrideOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.ledger.Override(ctx, c.projectID, articleID, decision, rationale, actor)
	if err != nil {
		return OverrideOutcome{ErrorKind: KindOf(err), Error: err.Error()}
	}
	return OverrideOutcome{Accepted: true, Entry: entry}
}

// History returns an article's overrides, oldest first.
func (c *Controller) History(ctx context.Context, articleID string) ([]model.OverrideEntry, error) {
	return c.ledger.History(ctx, c.projectID, articleID)
}

// Decision returns an article's current decision.
func (c *Controller) Decision(ctx context.Context, articleID string) (model.Decision, error) {
	return c.ledger.Current(ctx, c.projectID, articleID)
}

// Decisions returns every article's resolved decision.
func (c *Controller) Decisions(ctx context.Context) ([]ResolvedDecision, error) {
	return c.ledger.CurrentDecisions(ctx, c.projectID)
}

func (c *Controller) setDocErr(stage model.Stage, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err == nil {
		delete(c.docErr, stage)
		return
	}
	c.docErr[stage] = err
}

// onTransition re-derives the gate after a job changes state.
func (c *Controller) onTransition(stage model.Stage) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	counts, err := c.store.ListCounts(ctx, c.projectID)
	if err != nil {
		zap.L().Warn("pipeline: refresh gate",
			zap.String("project_id", c.projectID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return
	}
	gate := ComputeStatuses(counts)

	c.stateMu.Lock()
	prev := c.gate
	c.gate = gate
	c.stateMu.Unlock()

	if prev != gate {
		zap.L().Info("pipeline: gate changed",
			zap.String("project_id", c.projectID),
			zap.String("stage", string(stage)),
			zap.String("literature", string(gate.Literature)),
			zap.String("primary", string(gate.Primary)),
			zap.String("secondary", string(gate.Secondary)),
		)
	}
}
