package operator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/workflow"
)

func preparedHumanAttempt(t *testing.T, run *workflow.RunHandle) *AttemptHandle {
	t.Helper()
	op := NewHumanOperator("human.review", nil)
	task := workflow.NewGateTask("approve-batch", workflow.GateConfig{Instructions: "Check the convergence plots."})

	h, err := op.Prepare(context.Background(), run, task, &AttemptHandle{AttemptID: "att_1", TaskID: task.ID})
	require.NoError(t, err)
	h, err = op.Submit(context.Background(), run, h)
	require.NoError(t, err)
	return h
}

func writeResponse(t *testing.T, h *AttemptHandle, resp HumanResponse) {
	t.Helper()
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir, ResponseFile), b, 0o644))
}

func TestHumanOperatorLifecycle(t *testing.T) {
	run := testRunHandle(t)
	op := NewHumanOperator("human.review", nil)
	h := preparedHumanAttempt(t, run)

	assert.Equal(t, "human_att_1", h.ExternalID)
	instructions, err := os.ReadFile(filepath.Join(h.Dir, InstructionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(instructions), "approve-batch")
	assert.Contains(t, string(instructions), "Check the convergence plots.")
	_, err = os.Stat(filepath.Join(h.Dir, ResponseSchema))
	require.NoError(t, err)

	// No response yet: still pending.
	h, err = op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalPending, h.Status)

	writeResponse(t, h, HumanResponse{Status: "approved", Notes: "looks good", Data: map[string]any{"score": 0.9}})
	h, err = op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalCompleted, h.Status)

	res, err := op.Collect(context.Background(), run, h)
	require.NoError(t, err)
	assert.Contains(t, res.Files, ResponseFile)
	assert.Equal(t, 0.9, res.Data["score"])
	assert.Equal(t, "looks good", res.Data["notes"])
}

func TestHumanOperatorRejection(t *testing.T) {
	run := testRunHandle(t)
	op := NewHumanOperator("human.review", nil)
	h := preparedHumanAttempt(t, run)

	writeResponse(t, h, HumanResponse{Status: "rejected", Notes: "wrong structure"})
	h, err := op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalFailed, h.Status)
	assert.Equal(t, "rejected by reviewer: wrong structure", h.Data.Error)
}

func TestHumanOperatorUnknownStatusStaysPending(t *testing.T) {
	run := testRunHandle(t)
	op := NewHumanOperator("human.review", nil)
	h := preparedHumanAttempt(t, run)

	writeResponse(t, h, HumanResponse{Status: "maybe"})
	h, err := op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalPending, h.Status)
}

func TestHumanOperatorCollectBeforeResponse(t *testing.T) {
	run := testRunHandle(t)
	op := NewHumanOperator("human.review", nil)
	h := preparedHumanAttempt(t, run)

	_, err := op.Collect(context.Background(), run, h)
	assert.ErrorIs(t, err, ErrResponsePending)
}

func TestHumanOperatorCancelMarksInstructions(t *testing.T) {
	run := testRunHandle(t)
	op := NewHumanOperator("human.review", nil)
	h := preparedHumanAttempt(t, run)

	require.NoError(t, op.Cancel(context.Background(), run, h))
	instructions, err := os.ReadFile(filepath.Join(h.Dir, InstructionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(instructions), "CANCELLED")
}

func TestExperimentOperatorLifecycle(t *testing.T) {
	run := testRunHandle(t)
	op := NewExperimentOperator("experiment.lab_a", nil)
	task := &workflow.Task{
		ID:      "synthesize",
		Command: "anneal at 600C for 2h",
		Env:     map[string]string{"temperature_c": "600"},
	}

	h, err := op.Prepare(context.Background(), run, task, &AttemptHandle{AttemptID: "att_1", TaskID: task.ID})
	require.NoError(t, err)
	h, err = op.Submit(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, "exp_att_1", h.ExternalID)

	raw, err := os.ReadFile(filepath.Join(h.Dir, ExperimentRequestFile))
	require.NoError(t, err)
	var req ExperimentRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "synthesize", req.TaskID)
	assert.Equal(t, "anneal at 600C for 2h", req.Instructions)
	assert.Equal(t, map[string]string{"temperature_c": "600"}, req.Parameters)

	h, err = op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalPending, h.Status)

	result := ExperimentResult{Status: "completed", Data: map[string]any{"yield_pct": 87.5}}
	b, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir, ExperimentResultFile), b, 0o644))

	h, err = op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalCompleted, h.Status)

	res, err := op.Collect(context.Background(), run, h)
	require.NoError(t, err)
	assert.Contains(t, res.Files, ExperimentResultFile)
	assert.Equal(t, 87.5, res.Data["yield_pct"])
}

func TestExperimentOperatorFailure(t *testing.T) {
	run := testRunHandle(t)
	op := NewExperimentOperator("experiment.lab_a", nil)

	h, err := op.Prepare(context.Background(), run, &workflow.Task{ID: "synthesize"},
		&AttemptHandle{AttemptID: "att_1", TaskID: "synthesize"})
	require.NoError(t, err)

	result := ExperimentResult{Status: "failed", Error: "furnace fault"}
	b, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir, ExperimentResultFile), b, 0o644))

	h, err = op.Poll(context.Background(), run, h)
	require.NoError(t, err)
	assert.Equal(t, ExternalFailed, h.Status)
	assert.Equal(t, "furnace fault", h.Data.Error)
}
