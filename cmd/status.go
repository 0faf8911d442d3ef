package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show stage gates, counts and job state for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		env, err := initPipeline(ctx, pipeline.AttachObserve)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Manager.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "status")
		}
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if format == "table" {
			formatSnapshot(cmd.OutOrStdout(), snap)
			return nil
		}
		return writeStructured(cmd.OutOrStdout(), format, snap)
	},
}

func init() {
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}
