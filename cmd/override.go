package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

var overrideCmd = &cobra.Command{
	Use:   "override <project-id> <article-id> <include|exclude>",
	Short: "Record a manual decision override with a rationale",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rationale, _ := cmd.Flags().GetString("rationale")
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			actor = currentUser()
		}

		env, err := initPipeline(ctx, pipeline.AttachObserve)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Manager.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "override")
		}

		out := c.Override(ctx, args[1], model.Decision(args[2]), rationale, actor)
		if !out.Accepted {
			return eris.Errorf("override rejected (%s): %s", out.ErrorKind, out.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Article %s: %s -> %s\n",
			out.Entry.ArticleID, decisionLabel(out.Entry.PreviousDecision), out.Entry.NewDecision)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <project-id> <article-id>",
	Short: "Show an article's current decision and override log",
	Args:  cobra.ExactArgs(2),
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
			return eris.Wrap(err, "history")
		}
		history, err := c.History(ctx, args[1])
		if err != nil {
			return err
		}
		current, err := c.Decision(ctx, args[1])
		if err != nil {
			return err
		}

		if format != "table" {
			return writeStructured(cmd.OutOrStdout(), format, map[string]any{
				"article_id": args[1],
				"current":    current,
				"history":    history,
			})
		}
		formatHistory(cmd.OutOrStdout(), args[1], current, history)
		return nil
	},
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func init() {
	overrideCmd.Flags().String("rationale", "", "reason for the override (required)")
	overrideCmd.Flags().String("actor", "", "who is overriding (default: current user)")
	historyCmd.Flags().String("format", "table", "output format (table, json, yaml)")

	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(historyCmd)
}
