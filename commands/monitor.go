package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/workflow"
)

func newMonitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor <run-id>",
		Short: "Poll a run's status until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmdContext(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for {
				runRec, err := eng.Store.GetRun(ctx, eng.Run.RunID)
				if err != nil {
					return err
				}
				tasks, err := eng.Store.GetTasks(ctx, eng.Run.RunID)
				if err != nil {
					return err
				}

				byStatus := make(map[workflow.TaskStatus]int)
				for _, t := range tasks {
					byStatus[t.Status]++
				}
				statuses := make([]string, 0, len(byStatus))
				for s := range byStatus {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)

				line := fmt.Sprintf("%s  %s  %s", time.Now().Format("15:04:05"), runRec.RunID, runRec.Status)
				for _, s := range statuses {
					line += fmt.Sprintf("  %s=%d", s, byStatus[workflow.TaskStatus(s)])
				}
				fmt.Println(line)

				if runRec.Status.Terminal() {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	return cmd
}
