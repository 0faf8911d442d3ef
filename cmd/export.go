package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/export"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export review results",
}

var exportDecisionsCmd = &cobra.Command{
	Use:   "decisions <project-id>",
	Short: "Write current decisions and the override log to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("decisions-%s.xlsx", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export decisions")
		}
		counts, err := st.ListCounts(ctx, p.ID)
		if err != nil {
			return err
		}
		decisions, err := pipeline.NewOverrideLedger(st).CurrentDecisions(ctx, p.ID)
		if err != nil {
			return err
		}
		overrides, err := st.ListProjectOverrides(ctx, p.ID)
		if err != nil {
			return err
		}

		err = export.SaveDecisions(out, export.Workbook{
			Project:     *p,
			Counts:      counts,
			Decisions:   decisions,
			Overrides:   overrides,
			GeneratedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d decisions and %d overrides to %s\n", len(decisions), len(overrides), out)
		return nil
	},
}

func init() {
	exportDecisionsCmd.Flags().String("out", "", "output path (default: decisions-<project-id>.xlsx)")

	exportCmd.AddCommand(exportDecisionsCmd)
	rootCmd.AddCommand(exportCmd)
}
