// Package export writes review results to spreadsheet workbooks.
package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

// Sheet names in the decisions workbook.
const (
	SheetSummary   = "Summary"
	SheetDecisions = "Decisions"
	SheetOverrides = "Overrides"
)

var (
	decisionHeader = []string{"Article ID", "Automated", "Current", "Overrides", "Last Rationale", "Last Actor"}
	overrideHeader = []string{"Timestamp", "Article ID", "Previous", "New", "Rationale", "Actor"}
)

// Workbook is the content of a decisions export.
type Workbook struct {
	Project     model.Project
	Counts      model.Counts
	Decisions   []pipeline.ResolvedDecision
	Overrides   []model.OverrideEntry
	GeneratedAt time.Time
}

// WriteDecisions renders wb as an XLSX workbook to w. Current decisions
// come from pipeline.ResolveDecision, the same rule the API uses.
func WriteDecisions(w io.Writer, wb Workbook) error {
	f, err := build(wb)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "export: write workbook")
}

// SaveDecisions writes the workbook to path.
func SaveDecisions(path string, wb Workbook) error {
	f, err := build(wb)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "export: save %s", path)
}

func build(wb Workbook) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	included := 0
	for _, d := range wb.Decisions {
		if d.Current == model.DecisionInclude {
			included++
		}
	}
	generated := wb.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	addPair(summary, "Project", wb.Project.Title)
	addPair(summary, "Project ID", wb.Project.ID)
	addPair(summary, "Owner", wb.Project.Owner)
	addPair(summary, "Generated", generated.Format(time.RFC3339))
	addIntPair(summary, "Literature records", wb.Counts.Literature)
	addIntPair(summary, "Primary screened", wb.Counts.Primary)
	addIntPair(summary, "Secondary screened", wb.Counts.Secondary)
	addIntPair(summary, "Included", included)
	addIntPair(summary, "Overrides", len(wb.Overrides))

	decisions, err := f.AddSheet(SheetDecisions)
	if err != nil {
		return nil, eris.Wrap(err, "export: add decisions sheet")
	}
	addStrings(decisions, decisionHeader)
	for _, d := range wb.Decisions {
		row := decisions.AddRow()
		row.AddCell().SetString(d.ArticleID)
		row.AddCell().SetString(string(d.Automated))
		row.AddCell().SetString(string(d.Current))
		row.AddCell().SetInt(d.Overrides)
		row.AddCell().SetString(d.LastRationale)
		row.AddCell().SetString(d.LastActor)
	}

	overrides, err := f.AddSheet(SheetOverrides)
	if err != nil {
		return nil, eris.Wrap(err, "export: add overrides sheet")
	}
	addStrings(overrides, overrideHeader)
	for _, o := range wb.Overrides {
		addStrings(overrides, []string{
			o.Timestamp.UTC().Format(time.RFC3339),
			o.ArticleID,
			string(o.PreviousDecision),
			string(o.NewDecision),
			o.Rationale,
			o.Actor,
		})
	}

	return f, nil
}

func addStrings(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addPair(sheet *xlsx.Sheet, label, value string) {
	addStrings(sheet, []string{label, value})
}

func addIntPair(sheet *xlsx.Sheet, label string, n int) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt(n)
}
