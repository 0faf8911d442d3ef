// Package pipeline drives a project's screening pipeline: the stage gate,
// stage jobs with synthetic progress, document acquisition before secondary
// screening, and the manual override ledger.
package pipeline

import "github.com/sells-group/screening-cli/internal/model"

// Gate is the derived status of every stage.
type Gate struct {
	Literature model.StageStatus `json:"literature" yaml:"literature"`
	Primary    model.StageStatus `json:"primary" yaml:"primary"`
	Secondary  model.StageStatus `json:"secondary" yaml:"secondary"`
}

// Get returns the status of a stage.
func (g Gate) Get(s model.Stage) model.StageStatus {
	switch s {
	case model.StageLiterature:
		return g.Literature
	case model.StagePrimary:
		return g.Primary
	case model.StageSecondary:
		return g.Secondary
	}
	return model.StageStatusLocked
}

// ComputeStatuses derives the gate from persisted counts. A stage is locked
// while its predecessor has processed nothing, completed once it has
// processed something itself, and ready to start otherwise.
func ComputeStatuses(c model.Counts) Gate {
	return Gate{
		Literature: stageStatus(c, model.StageLiterature),
		Primary:    stageStatus(c, model.StagePrimary),
		Secondary:  stageStatus(c, model.StageSecondary),
	}
}

func stageStatus(c model.Counts, s model.Stage) model.StageStatus {
	if prev, ok := s.Previous(); ok && c.Get(prev) == 0 {
		return model.StageStatusLocked
	}
	if c.Get(s) > 0 {
		return model.StageStatusCompleted
	}
	return model.StageStatusReadyToStart
}
