package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

func sampleSnapshot() pipeline.Snapshot {
	return pipeline.Snapshot{
		ProjectID: "p-1",
		Title:     "Hip stem SLR",
		Counts:    model.Counts{Literature: 120, Primary: 45},
		Stages: []pipeline.StageSnapshot{
			{Stage: model.StageLiterature, Status: model.StageStatusCompleted, Count: 120, JobState: model.JobStateSucceeded, Progress: 100},
			{Stage: model.StagePrimary, Status: model.StageStatusCompleted, Count: 45, JobState: model.JobStateRunning, Progress: 37.4},
			{
				Stage: model.StageSecondary, Status: model.StageStatusReadyToStart, JobState: model.JobStateIdle,
				ErrorKind: model.ErrorKindJobFailure, Error: "fetch reported 0 downloaded but no documents are available",
			},
		},
	}
}

func TestFormatSnapshot(t *testing.T) {
	var buf bytes.Buffer
	formatSnapshot(&buf, sampleSnapshot())

	out := buf.String()
	assert.Contains(t, out, "Hip stem SLR (p-1)")
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "literature")
	assert.Contains(t, out, "ready_to_start")
	assert.Contains(t, out, "job_failure: fetch reported 0 downloaded")
}

func TestFormatProjects(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	formatProjects(&buf, []model.Project{
		{ID: "0b7c4e2a-1111-2222-3333-444455556666", Title: "Hip stem SLR", Owner: "mara", Status: model.ProjectStatusActive, CreatedAt: created},
	})

	out := buf.String()
	assert.Contains(t, out, "0b7c4e2a-1111-2222-3333-444455556666")
	assert.Contains(t, out, "mara")
	assert.Contains(t, out, "2024-06-03 14:30")
}

func TestFormatHistory(t *testing.T) {
	var buf bytes.Buffer
	formatHistory(&buf, "A123", model.DecisionInclude, []model.OverrideEntry{{
		ArticleID:        "A123",
		PreviousDecision: model.DecisionExclude,
		NewDecision:      model.DecisionInclude,
		Rationale:        "meets IFU criteria",
		Actor:            "reviewer-2",
		Timestamp:        time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "Article A123: current decision include")
	assert.Contains(t, out, "exclude")
	assert.Contains(t, out, "meets IFU criteria")
	assert.Contains(t, out, "reviewer-2")
}

func TestFormatHistory_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatHistory(&buf, "A9", model.DecisionNone, nil)
	assert.Contains(t, buf.String(), "current decision -")
	assert.Contains(t, buf.String(), "No overrides.")
}

func TestWriteStructured_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStructured(&buf, "json", sampleSnapshot()))

	var decoded pipeline.Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "p-1", decoded.ProjectID)
	assert.Equal(t, 45, decoded.Counts.Primary)
	assert.Contains(t, buf.String(), "\n  ")
}

func TestWriteStructured_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStructured(&buf, "yaml", sampleSnapshot()))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "p-1", decoded["project_id"])
	assert.Contains(t, buf.String(), "job_state: running")
}

func TestWriteStructured_Unsupported(t *testing.T) {
	err := writeStructured(&bytes.Buffer{}, "csv", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, outcomeError(pipeline.Outcome{Accepted: true}))

	err := outcomeError(pipeline.Outcome{
		Stage: model.StagePrimary, Action: pipeline.ActionStart,
		ErrorKind: model.ErrorKindPreconditionViolation, Error: "stage is locked",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start primary rejected (precondition_violation)")
}

func newProjectFlagsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addProjectFlags(c)
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestApplyProjectFlags(t *testing.T) {
	c := newProjectFlagsCmd(t, "--owner", "mara", "--criteria", "adults", "--status", "on_hold", "--start", "2024-01-15", "--end", "2024-09-30")

	p := model.Project{Title: "Hip stem SLR", Owner: "old"}
	require.NoError(t, applyProjectFlags(c, &p))
	assert.Equal(t, "mara", p.Owner)
	assert.Equal(t, "adults", p.Criteria)
	assert.Equal(t, model.ProjectStatus("on_hold"), p.Status)
	require.NotNil(t, p.StartDate)
	assert.Equal(t, 15, p.StartDate.Day())
	require.NotNil(t, p.EndDate)
}

func TestApplyProjectFlags_UnchangedKept(t *testing.T) {
	c := newProjectFlagsCmd(t)
	p := model.Project{Owner: "mara", IFUDocument: "ifu-2024-07"}
	require.NoError(t, applyProjectFlags(c, &p))
	assert.Equal(t, "mara", p.Owner)
	assert.Equal(t, "ifu-2024-07", p.IFUDocument)
}

func TestApplyProjectFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad status", []string{"--status", "paused"}, "unknown status"},
		{"bad date", []string{"--start", "15/01/2024"}, "parse --start"},
		{"end before start", []string{"--start", "2024-05-01", "--end", "2024-04-01"}, "end date is before start date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newProjectFlagsCmd(t, tt.args...)
			err := applyProjectFlags(c, &model.Project{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
