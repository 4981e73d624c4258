package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/workflow"
)

// SelfTestResult is one diagnostic check's outcome.
type SelfTestResult struct {
	Check string
	Err   error
}

// OK reports whether the check passed.
func (r SelfTestResult) OK() bool { return r.Err == nil }

// diagCampaign is the built-in two-task campaign SelfTest drives.
type diagCampaign struct{}

func (diagCampaign) Slug() string { return "engine-self-test" }

func (diagCampaign) Plan(state json.RawMessage) (*workflow.Workflow, error) {
	if state != nil {
		return nil, nil
	}
	w := workflow.New("diagnostic")
	if err := w.AddTask(&workflow.Task{ID: "probe", Command: "true"}); err != nil {
		return nil, err
	}
	if err := w.AddTask(&workflow.Task{ID: "verify", Command: "true", Dependencies: []string{"probe"}}); err != nil {
		return nil, err
	}
	return w, nil
}

func (diagCampaign) Analyze(_ json.RawMessage, results map[string]workflow.TaskResult) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"tasks_seen": len(results)})
}

var registerDiagOnce sync.Once

// SelfTest runs a simulated two-task campaign in a throwaway workspace
// and reports a check-by-check diagnosis of the engine's plumbing.
func SelfTest(ctx context.Context, logger *slog.Logger) []SelfTestResult {
	if logger == nil {
		logger = slog.Default()
	}
	registerDiagOnce.Do(func() {
		_ = workflow.RegisterCampaign(diagCampaign{})
	})

	var results []SelfTestResult
	check := func(name string, err error) bool {
		results = append(results, SelfTestResult{Check: name, Err: err})
		return err == nil
	}

	wsDir, err := os.MkdirTemp("", "matterstack-selftest-*")
	if !check("create scratch workspace", err) {
		return results
	}
	defer os.RemoveAll(wsDir)

	// A throwaway local wiring so resolution has something to pin.
	wiring := []byte("operators:\n  local.default:\n    kind: local\n    backend:\n      type: local\n")
	check("write scratch wiring", os.WriteFile(wsDir+"/operators.yaml", wiring, 0o644))

	eng, err := InitializeRun(ctx, InitOptions{
		WorkspaceDir:  wsDir,
		WorkspaceSlug: "selftest",
		Config: &config.RunConfig{
			CampaignSlug:  "engine-self-test",
			ExecutionMode: "simulation",
		},
	}, logger)
	if !check("initialize run", err) {
		return results
	}
	defer eng.Close()

	_, err = os.Stat(eng.Run.OperatorsPath())
	check("wiring snapshot persisted", err)
	_, err = config.LoadWiringMetadata(eng.Run)
	check("wiring metadata written", err)

	status, err := eng.Store.GetRunStatus(ctx, eng.Run.RunID)
	if check("run row readable", err) && status != workflow.RunRunning {
		check("run is RUNNING after init", fmt.Errorf("status %s", status))
	}

	var final workflow.RunStatus
	for range 5 {
		final, err = eng.Step(ctx)
		if err != nil {
			break
		}
		if final.Terminal() {
			break
		}
	}
	if check("step to completion", err) {
		if final != workflow.RunCompleted {
			check("run completes", fmt.Errorf("final status %s", final))
		} else {
			check("run completes", nil)
		}
	}

	_, err = os.Stat(eng.Run.CampaignStatePath())
	check("campaign state persisted", err)

	return results
}
