package model

// Stage is one of the three sequential phases of the review pipeline.
type Stage string

const (
	StageLiterature Stage = "literature"
	StagePrimary    Stage = "primary"
	StageSecondary  Stage = "secondary"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageLiterature, StagePrimary, StageSecondary}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageLiterature, StagePrimary, StageSecondary:
		return true
	}
	return false
}

// Previous returns the stage that gates s, and false for the first stage.
func (s Stage) Previous() (Stage, bool) {
	switch s {
	case StagePrimary:
		return StageLiterature, true
	case StageSecondary:
		return StagePrimary, true
	}
	return "", false
}

// ParseStage converts user input into a Stage.
func ParseStage(v string) (Stage, bool) {
	s := Stage(v)
	return s, s.Valid()
}

// StageStatus is the gate status of a stage. It is always derived from
// counts and never persisted.
type StageStatus string

const (
	StageStatusLocked       StageStatus = "locked"
	StageStatusReadyToStart StageStatus = "ready_to_start"
	StageStatusCompleted    StageStatus = "completed"
)

// Counts holds the persisted processed-item count of every stage.
type Counts struct {
	Literature int `json:"literature" yaml:"literature"`
	Primary    int `json:"primary" yaml:"primary"`
	Secondary  int `json:"secondary" yaml:"secondary"`
}

// Get returns the count for a stage.
func (c Counts) Get(s Stage) int {
	switch s {
	case StageLiterature:
		return c.Literature
	case StagePrimary:
		return c.Primary
	case StageSecondary:
		return c.Secondary
	}
	return 0
}

// Set returns a copy of c with the count for s replaced.
func (c Counts) Set(s Stage, n int) Counts {
	switch s {
	case StageLiterature:
		c.Literature = n
	case StagePrimary:
		c.Primary = n
	case StageSecondary:
		c.Secondary = n
	}
	return c
}

// StageRecord is the durable per-stage row of a project.
type StageRecord struct {
	ProjectID      string `json:"project_id"`
	Stage          Stage  `json:"stage"`
	ProcessedCount int    `json:"processed_count"`
	LastJobID      string `json:"last_job_id,omitempty"`
}
