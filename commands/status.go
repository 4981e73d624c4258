package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/workflow"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status and task breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmdContext()
			runRec, err := eng.Store.GetRun(ctx, eng.Run.RunID)
			if err != nil {
				return err
			}
			tasks, err := eng.Store.GetTasks(ctx, eng.Run.RunID)
			if err != nil {
				return err
			}

			fmt.Printf("Run:      %s\n", runRec.RunID)
			fmt.Printf("Campaign: %s\n", runRec.CampaignSlug)
			fmt.Printf("Status:   %s\n", runRec.Status)
			fmt.Printf("Tasks:    %d\n\n", len(tasks))

			byStatus := make(map[workflow.TaskStatus]int)
			for _, t := range tasks {
				byStatus[t.Status]++
			}
			statuses := make([]string, 0, len(byStatus))
			for s := range byStatus {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("  %-18s %d\n", s, byStatus[workflow.TaskStatus(s)])
			}
			fmt.Println()

			for _, t := range tasks {
				line := fmt.Sprintf("  %-30s %s", t.TaskID, t.Status)
				if t.Error != nil && *t.Error != "" {
					line += "  " + firstLine(*t.Error)
				}
				fmt.Println(line)
			}

			fmt.Println()
			fmt.Println(config.ExplainWiring(eng.Run))
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
