package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/config"
)

func newExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <task-id>",
		Short: "Explain why a task is in its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			eng, err := findTaskRun(taskID)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmdContext()
			rec, err := eng.Store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			task, err := rec.Task()
			if err != nil {
				return err
			}

			fmt.Printf("Task:   %s (kind=%s)\n", rec.TaskID, rec.Kind)
			fmt.Printf("Run:    %s\n", eng.Run.RunID)
			fmt.Printf("Status: %s\n", rec.Status)
			if rec.OperatorKey != nil {
				fmt.Printf("Operator: %s\n", *rec.OperatorKey)
			}
			if rec.Error != nil && *rec.Error != "" {
				fmt.Printf("Error:  %s\n", *rec.Error)
			}

			if len(task.Dependencies) > 0 {
				fmt.Println("\nDependencies:")
				for _, dep := range task.Dependencies {
					depRec, err := eng.Store.GetTask(ctx, dep)
					if err != nil {
						fmt.Printf("  %-30s (not found)\n", dep)
						continue
					}
					fmt.Printf("  %-30s %s\n", dep, depRec.Status)
				}
			}

			attempts, err := eng.Store.ListAttempts(ctx, taskID)
			if err != nil {
				return err
			}
			if len(attempts) > 0 {
				fmt.Println("\nAttempts:")
				for _, att := range attempts {
					line := fmt.Sprintf("  %d. %s  %s  %s",
						att.AttemptIndex, att.AttemptID, att.Status, att.OperatorType)
					if att.ExternalID != nil {
						line += "  external=" + *att.ExternalID
					}
					if att.Error != nil && *att.Error != "" {
						line += "  error=" + firstLine(*att.Error)
					}
					fmt.Println(line)
				}
			}

			fmt.Println()
			fmt.Println(config.ExplainWiring(eng.Run))
			return nil
		},
	}
}
