package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

// writeStructured encodes v as json or yaml.
func writeStructured(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unsupported format %q (table, json, yaml)", format)
	}
}

// formatSnapshot writes a per-stage table of a pipeline snapshot.
func formatSnapshot(out io.Writer, snap pipeline.Snapshot) {
	_, _ = fmt.Fprintf(out, "%s (%s)\n", snap.Title, snap.ProjectID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tCOUNT\tJOB\tPROGRESS\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t------\t-----\t---\t--------\t-----")
	for _, s := range snap.Stages {
		errMsg := ""
		if s.ErrorKind != model.ErrorKindNone {
			errMsg = fmt.Sprintf("%s: %s", s.ErrorKind, truncate(s.Error, 60))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.0f%%\t%s\n",
			s.Stage, s.Status, s.Count, s.JobState, s.Progress, errMsg)
	}
	_ = w.Flush()
}

// formatProjects writes a tabular list of projects.
func formatProjects(out io.Writer, projects []model.Project) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tOWNER\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t------\t-------")
	for _, p := range projects {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			truncate(p.Title, 40),
			p.Owner,
			p.Status,
			p.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatHistory writes an article's override log, oldest first.
func formatHistory(out io.Writer, articleID string, current model.Decision, history []model.OverrideEntry) {
	_, _ = fmt.Fprintf(out, "Article %s: current decision %s\n", articleID, decisionLabel(current))
	if len(history) == 0 {
		_, _ = fmt.Fprintln(out, "No overrides.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tFROM\tTO\tACTOR\tRATIONALE")
	for _, h := range history {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			h.Timestamp.Format("2006-01-02 15:04"),
			decisionLabel(h.PreviousDecision),
			decisionLabel(h.NewDecision),
			h.Actor,
			h.Rationale,
		)
	}
	_ = w.Flush()
}

func decisionLabel(d model.Decision) string {
	if d == model.DecisionNone {
		return "-"
	}
	return string(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
