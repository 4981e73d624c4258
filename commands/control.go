package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/engine"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and all of its active attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Cancel(cmdContext()); err != nil {
				return err
			}
			fmt.Printf("Run %s cancelled\n", eng.Run.RunID)
			return nil
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()
			ok, err := eng.Pause(cmdContext())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("Run %s is not RUNNING; nothing to pause\n", eng.Run.RunID)
				return nil
			}
			fmt.Printf("Run %s paused\n", eng.Run.RunID)
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()
			ok, err := eng.Resume(cmdContext())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("Run %s is not PAUSED; nothing to resume\n", eng.Run.RunID)
				return nil
			}
			fmt.Printf("Run %s resumed\n", eng.Run.RunID)
			return nil
		},
	}
}

func newReviveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revive <run-id>",
		Short: "Return a terminal run to RUNNING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()
			ok, err := eng.Revive(cmdContext())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("Run %s is not terminal; nothing to revive\n", eng.Run.RunID)
				return nil
			}
			fmt.Printf("Run %s revived; rerun tasks to make progress\n", eng.Run.RunID)
			return nil
		},
	}
}

func newCancelAttemptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-attempt <task-id>",
		Short: "Cancel a task's active attempt without resetting the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			eng, err := findTaskRun(taskID)
			if err != nil {
				return err
			}
			defer eng.Close()

			att, err := eng.Store.GetCurrentAttempt(cmdContext(), taskID)
			if err != nil {
				return err
			}
			if err := eng.CancelAttempt(cmdContext(), att.AttemptID); err != nil {
				return err
			}
			fmt.Printf("Attempt %s cancelled\n", att.AttemptID)
			return nil
		},
	}
}

func newCleanupOrphansCmd() *cobra.Command {
	var (
		timeout string
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup-orphans <run-id>",
		Short: "Finalize attempts stuck in CREATED or orphaned by an engine crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, err := config.ParseTimeout(timeout)
			if err != nil {
				return err
			}
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			if !confirm {
				stuck, orphaned, err := eng.FindCleanupCandidates(cmdContext(), olderThan)
				if err != nil {
					return err
				}
				if len(stuck)+len(orphaned) == 0 {
					fmt.Println("No orphaned attempts found")
					return nil
				}
				for _, att := range stuck {
					fmt.Printf("would fail %s (task %s): stuck in CREATED since %s\n",
						att.AttemptID, att.TaskID, att.CreatedAt.Format(time.RFC3339))
				}
				for _, att := range orphaned {
					fmt.Printf("would fail %s (task %s): displaced by a newer attempt\n",
						att.AttemptID, att.TaskID)
				}
				fmt.Println("Re-run with --confirm to repair")
				return nil
			}

			n, err := eng.CleanupOrphans(cmdContext(), olderThan)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("No orphaned attempts found")
				return nil
			}
			fmt.Printf("Repaired %d orphaned attempt(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&timeout, "timeout", "1h", "How long an attempt may sit in CREATED before it counts as stuck")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Apply the repair instead of listing candidates")
	return cmd
}

func newRerunCmd() *cobra.Command {
	var (
		force     bool
		recursive bool
	)

	cmd := &cobra.Command{
		Use:   "rerun <task-id>",
		Short: "Reset a task so the next tick dispatches a fresh attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			eng, err := findTaskRun(taskID)
			if err != nil {
				return err
			}
			defer eng.Close()

			reset, err := eng.Rerun(cmdContext(), taskID, engine.RerunOptions{
				Force:     force,
				Recursive: recursive,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d task(s): %s\n", len(reset), strings.Join(reset, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Cancel a live attempt instead of refusing")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "Also reset every transitive dependent")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var (
		fail bool
		note string
	)

	cmd := &cobra.Command{
		Use:   "resolve <attempt-id>",
		Short: "Resolve a waiting gate or external placeholder attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attemptID := args[0]
			eng, err := findAttemptRun(attemptID)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.ResolveStub(cmdContext(), attemptID, !fail, note); err != nil {
				return err
			}
			verdict := "completed"
			if fail {
				verdict = "failed"
			}
			fmt.Printf("Attempt %s resolved as %s\n", attemptID, verdict)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fail, "fail", false, "Resolve the attempt as failed")
	cmd.Flags().StringVar(&note, "note", "", "Note recorded on a failed resolution")
	return cmd
}
