package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage review projects",
}

// -- project create --

var projectCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a review project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p := model.Project{Title: args[0]}
		if err := applyProjectFlags(cmd, &p); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := st.CreateProject(ctx, p)
		if err != nil {
			return eris.Wrap(err, "project create")
		}
		fmt.Fprintln(cmd.OutOrStdout(), created.ID)
		return nil
	},
}

// -- project list --

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review projects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		owner, _ := cmd.Flags().GetString("owner")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		filter := store.ProjectFilter{Status: model.ProjectStatus(status), Owner: owner, Limit: limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projects, err := st.ListProjects(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "project list")
		}

		if format != "table" {
			return writeStructured(cmd.OutOrStdout(), format, projects)
		}
		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}
		formatProjects(cmd.OutOrStdout(), projects)
		return nil
	},
}

// -- project show --

var projectShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "project show")
		}
		return writeStructured(cmd.OutOrStdout(), format, p)
	},
}

// -- project update --

var projectUpdateCmd = &cobra.Command{
	Use:   "update <project-id>",
	Short: "Update project metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "project update")
		}
		if cmd.Flags().Changed("title") {
			p.Title, _ = cmd.Flags().GetString("title")
		}
		if err := applyProjectFlags(cmd, p); err != nil {
			return err
		}
		if err := st.UpdateProject(ctx, p); err != nil {
			return eris.Wrap(err, "project update")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s.\n", p.ID)
		return nil
	},
}

// -- project delete --

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project (override history is retained)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		active, err := st.ListActiveJobs(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "project delete")
		}
		if len(active) > 0 {
			return eris.Errorf("project %s has %d active job(s); cancel them first", args[0], len(active))
		}
		if err := st.DeleteProject(ctx, args[0]); err != nil {
			return eris.Wrap(err, "project delete")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
		return nil
	},
}

// applyProjectFlags copies the changed metadata flags onto p.
func applyProjectFlags(cmd *cobra.Command, p *model.Project) error {
	flags := cmd.Flags()
	if flags.Changed("owner") {
		p.Owner, _ = flags.GetString("owner")
	}
	if flags.Changed("criteria") {
		p.Criteria, _ = flags.GetString("criteria")
	}
	if flags.Changed("ifu") {
		p.IFUDocument, _ = flags.GetString("ifu")
	}
	if flags.Changed("status") {
		s, _ := flags.GetString("status")
		p.Status = model.ProjectStatus(s)
		if !p.Status.Valid() {
			return eris.Errorf("unknown status %q", s)
		}
	}
	for name, dst := range map[string]**time.Time{"start": &p.StartDate, "end": &p.EndDate} {
		if !flags.Changed(name) {
			continue
		}
		v, _ := flags.GetString(name)
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return eris.Wrapf(err, "parse --%s", name)
		}
		*dst = &t
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return eris.New("end date is before start date")
	}
	return nil
}

func addProjectFlags(c *cobra.Command) {
	c.Flags().String("owner", "", "project owner")
	c.Flags().String("criteria", "", "screening criteria passed to the job runner")
	c.Flags().String("ifu", "", "IFU document reference")
	c.Flags().String("status", "", "project status (active, completed, on_hold, archived)")
	c.Flags().String("start", "", "start date (YYYY-MM-DD)")
	c.Flags().String("end", "", "end date (YYYY-MM-DD)")
}

func init() {
	addProjectFlags(projectCreateCmd)
	addProjectFlags(projectUpdateCmd)
	projectUpdateCmd.Flags().String("title", "", "project title")

	projectListCmd.Flags().String("status", "", "filter by status")
	projectListCmd.Flags().String("owner", "", "filter by owner")
	projectListCmd.Flags().Int("limit", 100, "max number of projects")
	projectListCmd.Flags().String("format", "table", "output format (table, json, yaml)")

	projectShowCmd.Flags().String("format", "json", "output format (json, yaml)")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectUpdateCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}
