package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
)

// attemptsHeader is the stable column set of the attempts command. Rows
// are separated by literal tabs so scripts can cut on \t.
const attemptsHeader = "attempt_id\tattempt_index\tstatus\toperator_type\texternal_id\tartifact_path\tconfig_hash"

func attemptRow(att *storage.AttemptRecord) string {
	externalID := ""
	if att.ExternalID != nil {
		externalID = *att.ExternalID
	}
	artifactPath := ""
	if att.ArtifactPath != nil {
		artifactPath = *att.ArtifactPath
	}
	configHash := ""
	if data, err := operator.DecodeData(att.OperatorDataJSON); err == nil {
		configHash = data.ConfigHash
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s\t%s\t%s\t%s",
		att.AttemptID, att.AttemptIndex, att.Status, att.OperatorType,
		externalID, artifactPath, configHash)
}

func newAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <run-id> <task-id>",
		Short: "List a task's attempt history as tab-separated values",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, taskID := args[0], args[1]
			eng, err := openEngine(runID)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmdContext()
			if _, err := eng.Store.GetTask(ctx, taskID); err != nil {
				return err
			}
			attempts, err := eng.Store.ListAttempts(ctx, taskID)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, attemptsHeader)
			for _, att := range attempts {
				fmt.Fprintln(os.Stdout, attemptRow(att))
			}
			return nil
		},
	}
}
