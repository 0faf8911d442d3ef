package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Start or cancel a pipeline stage",
}

// -- stage start --

var stageStartCmd = &cobra.Command{
	Use:   "start <project-id> <literature|primary|secondary>",
	Short: "Start a stage and follow its job until it finishes",
	Long:  "Starts a stage job. Unless --detach is set, waits for the job to finish. Interrupting the wait leaves the job running; the next serve or stage start for the project resumes polling it. Fails if another process owns the project (requires lock.driver=redis to detect across processes).",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		detach, _ := cmd.Flags().GetBool("detach")

		stage, ok := model.ParseStage(args[1])
		if !ok {
			return eris.Errorf("unknown stage %q", args[1])
		}

		env, err := initPipeline(ctx, pipeline.AttachOwn)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Manager.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "stage start")
		}

		out := c.Command(ctx, stage, pipeline.ActionStart)
		if err := outcomeError(out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started %s job %s.\n", stage, out.Job.ID)
		if detach {
			return nil
		}

		if err := c.Wait(ctx, stage); err != nil {
			zap.L().Info("stopped waiting; job continues", zap.String("job_id", out.Job.ID))
			return nil
		}

		snap, err := c.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "stage start")
		}
		formatSnapshot(cmd.OutOrStdout(), snap)

		if s := snap.Stage(stage); s.JobState == model.JobStateFailed {
			return eris.Errorf("%s job failed (%s): %s", stage, s.ErrorKind, s.Error)
		}
		return nil
	},
}

// -- stage cancel --

var stageCancelCmd = &cobra.Command{
	Use:   "cancel <project-id> <literature|primary|secondary>",
	Short: "Cancel a stage's running job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stage, ok := model.ParseStage(args[1])
		if !ok {
			return eris.Errorf("unknown stage %q", args[1])
		}

		env, err := initPipeline(ctx, pipeline.AttachObserve)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Manager.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "stage cancel")
		}

		out := c.Command(ctx, stage, pipeline.ActionCancel)
		if err := outcomeError(out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s job %s.\n", stage, out.Job.ID)
		return nil
	},
}

func outcomeError(out pipeline.Outcome) error {
	if out.Accepted {
		return nil
	}
	return eris.Errorf("%s %s rejected (%s): %s", out.Action, out.Stage, out.ErrorKind, out.Error)
}

func init() {
	stageStartCmd.Flags().Bool("detach", false, "return once the job is submitted")

	stageCmd.AddCommand(stageStartCmd)
	stageCmd.AddCommand(stageCancelCmd)
	rootCmd.AddCommand(stageCmd)
}
