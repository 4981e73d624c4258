package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/workflow"
)

// analyzeAndReplan runs when a round has drained: fold the round's task
// results into campaign state, persist it, and ask the campaign for the
// next workflow. A nil plan completes the run; unforgiven task failures
// are handled by the caller before analysis runs.
func (e *Engine) analyzeAndReplan(ctx context.Context) error {
	results, err := e.buildTaskResults(ctx)
	if err != nil {
		return err
	}

	state, err := e.loadCampaignState()
	if err != nil {
		return err
	}

	newState, err := e.Campaign.Analyze(state, results)
	if err != nil {
		return fmt.Errorf("campaign %s analyze: %w", e.Campaign.Slug(), err)
	}
	if err := e.saveCampaignState(newState); err != nil {
		return err
	}

	next, err := e.Campaign.Plan(newState)
	if err != nil {
		return fmt.Errorf("campaign %s plan: %w", e.Campaign.Slug(), err)
	}
	if next == nil || next.Len() == 0 {
		e.Logger.Info("Campaign finished",
			slog.String("run_id", e.Run.RunID),
			slog.String("status", string(workflow.RunCompleted)))
		return e.Store.SetRunStatus(ctx, e.Run.RunID, workflow.RunCompleted, "")
	}

	if err := e.Store.AddWorkflow(ctx, e.Run.RunID, next); err != nil {
		return fmt.Errorf("add replanned workflow: %w", err)
	}
	e.Logger.Info("Replanned campaign round",
		slog.String("run_id", e.Run.RunID),
		slog.String("workflow_id", next.ID),
		slog.Int("tasks", next.Len()))
	return nil
}

// buildTaskResults summarizes every task from its current attempt.
func (e *Engine) buildTaskResults(ctx context.Context) (map[string]workflow.TaskResult, error) {
	tasks, err := e.Store.GetTasks(ctx, e.Run.RunID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]workflow.TaskResult, len(tasks))
	for _, rec := range tasks {
		result := workflow.TaskResult{TaskID: rec.TaskID, Status: rec.Status}
		if rec.Error != nil {
			result.Error = *rec.Error
		}
		if att, err := e.Store.GetCurrentAttempt(ctx, rec.TaskID); err == nil {
			data, derr := operator.DecodeData(att.OperatorDataJSON)
			if derr == nil {
				result.Files = data.OutputFiles
				result.Data = data.OutputData
			}
		}
		results[rec.TaskID] = result
	}
	return results, nil
}

func (e *Engine) loadCampaignState() (json.RawMessage, error) {
	raw, err := os.ReadFile(e.Run.CampaignStatePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read campaign state: %w", err)
	}
	return raw, nil
}

func (e *Engine) saveCampaignState(state json.RawMessage) error {
	if state == nil {
		state = json.RawMessage("{}")
	}
	if err := os.WriteFile(e.Run.CampaignStatePath(), state, 0o644); err != nil {
		return fmt.Errorf("write campaign state: %w", err)
	}
	return nil
}
