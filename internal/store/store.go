// Package store persists projects, stage counts, jobs, automated decisions
// and the override audit log.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
)

var (
	// ErrNotFound is returned when a project or job does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrJobActive is returned by CreateJob when the stage already has a
	// submitting or running job.
	ErrJobActive = eris.New("store: stage already has an active job")
	// ErrJobNotActive is returned by UpdateJob and CompleteJob when the job
	// row already reached a terminal state. Terminal rows are never rewritten.
	ErrJobNotActive = eris.New("store: job is no longer active")
)

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	Status model.ProjectStatus `json:"status,omitempty"`
	Owner  string              `json:"owner,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// JobResult is what a succeeded job writes back: the stage's new processed
// count and, for screening stages, the automated per-article decisions.
type JobResult struct {
	ProcessedCount int
	Decisions      []model.ArticleDecision
}

// Store defines the persistence interface for the screening pipeline.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p model.Project) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error)

	// Stage records
	ListCounts(ctx context.Context, projectID string) (model.Counts, error)
	ListStageRecords(ctx context.Context, projectID string) ([]model.StageRecord, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	// UpdateJob writes a submitting or running job. It returns
	// ErrJobNotActive once the row is terminal.
	UpdateJob(ctx context.Context, job *model.Job) error
	// CompleteJob sets the stage count, replaces the stage's decisions and
	// marks the job succeeded in a single transaction. A repeated article
	// keeps its last decision.
	CompleteJob(ctx context.Context, job *model.Job, result JobResult) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListActiveJobs(ctx context.Context, projectID string) ([]model.Job, error)

	// Automated decisions
	GetDecision(ctx context.Context, projectID, articleID string) (model.Decision, error)
	ListDecisions(ctx context.Context, projectID string) ([]model.ArticleDecision, error)

	// Override audit log (append-only)
	AppendOverride(ctx context.Context, entry *model.OverrideEntry) error
	ListOverrides(ctx context.Context, projectID, articleID string) ([]model.OverrideEntry, error)
	ListProjectOverrides(ctx context.Context, projectID string) ([]model.OverrideEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// lastDecisions collapses repeated articles to their last decision, keeping
// first-seen order. COPY rejects duplicate keys.
func lastDecisions(ds []model.ArticleDecision) []model.ArticleDecision {
	idx := make(map[string]int, len(ds))
	out := make([]model.ArticleDecision, 0, len(ds))
	for _, d := range ds {
		if i, ok := idx[d.ArticleID]; ok {
			out[i] = d
			continue
		}
		idx[d.ArticleID] = len(out)
		out = append(out, d)
	}
	return out
}
