package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/lifecycle"
	"github.com/c360studio/matterstack/operator"
	"github.com/c360studio/matterstack/storage"
	"github.com/c360studio/matterstack/workflow"
)

// scriptedOperator is a test operator whose poll verdicts are scripted per
// task.
type scriptedOperator struct {
	key string

	// prepareErr fails Prepare for the named tasks.
	prepareErr map[string]error

	// submitErr fails every Submit.
	submitErr error

	// statuses is the poll verdict per task; missing tasks poll as RUNNING.
	statuses map[string]operator.ExternalStatus

	// collectErr fails Collect for the named tasks.
	collectErr map[string]error

	cancelled []string
}

func newScriptedOperator(key string) *scriptedOperator {
	return &scriptedOperator{
		key:        key,
		prepareErr: map[string]error{},
		statuses:   map[string]operator.ExternalStatus{},
		collectErr: map[string]error{},
	}
}

func (o *scriptedOperator) Prepare(_ context.Context, run *workflow.RunHandle, task *workflow.Task, h *operator.AttemptHandle) (*operator.AttemptHandle, error) {
	if err := o.prepareErr[task.ID]; err != nil {
		return nil, err
	}
	h.Dir = run.AttemptDir(task.ID, h.AttemptID)
	h.RelativePath = operator.RelativeTo(run.Root, h.Dir)
	h.Data.ConfigHash = "hash_" + task.ID
	h.Status = operator.ExternalPending
	return h, nil
}

func (o *scriptedOperator) Submit(_ context.Context, _ *workflow.RunHandle, h *operator.AttemptHandle) (*operator.AttemptHandle, error) {
	if o.submitErr != nil {
		return nil, o.submitErr
	}
	if h.ExternalID == "" {
		h.ExternalID = "job_" + h.AttemptID
	}
	return h, nil
}

func (o *scriptedOperator) Poll(_ context.Context, _ *workflow.RunHandle, h *operator.AttemptHandle) (*operator.AttemptHandle, error) {
	status, ok := o.statuses[h.TaskID]
	if !ok {
		status = operator.ExternalRunning
	}
	h.Status = status
	if status == operator.ExternalFailed {
		h.Data.Error = "scripted failure"
	}
	return h, nil
}

func (o *scriptedOperator) Collect(_ context.Context, _ *workflow.RunHandle, h *operator.AttemptHandle) (*operator.Result, error) {
	if err := o.collectErr[h.TaskID]; err != nil {
		return nil, err
	}
	return &operator.Result{
		Files: map[string]string{"results.json": h.RelativePath + "/results.json"},
		Data:  map[string]any{"task": h.TaskID},
	}, nil
}

func (o *scriptedOperator) Cancel(_ context.Context, _ *workflow.RunHandle, h *operator.AttemptHandle) error {
	o.cancelled = append(o.cancelled, h.AttemptID)
	return nil
}

// fakeSource serves a fixed operator set with configurable caps.
type fakeSource struct {
	ops    map[string]operator.Operator
	caps   map[string]int
	global int
}

func (s *fakeSource) Get(key string) (operator.Operator, error) {
	op, ok := s.ops[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", operator.ErrUnknownOperator, key)
	}
	return op, nil
}

func (s *fakeSource) Has(key string) bool         { _, ok := s.ops[key]; return ok }
func (s *fakeSource) MaxConcurrent(key string) int { return s.caps[key] }
func (s *fakeSource) MaxConcurrentGlobal() int     { return s.global }

// fakeCampaign plans a fixed sequence of rounds: rounds[0] on nil state,
// rounds[1] after one analyze, and so on. Past the last round it plans nil.
type fakeCampaign struct {
	slug    string
	rounds  [][]*workflow.Task
	results []map[string]workflow.TaskResult
}

func (c *fakeCampaign) Slug() string { return c.slug }

func (c *fakeCampaign) Plan(state json.RawMessage) (*workflow.Workflow, error) {
	round := 0
	if state != nil {
		var s struct {
			Round int `json:"round"`
		}
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, err
		}
		round = s.Round
	}
	if round >= len(c.rounds) {
		return nil, nil
	}
	w := workflow.New(fmt.Sprintf("round-%d", round))
	for _, t := range c.rounds[round] {
		if err := w.AddTask(t); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (c *fakeCampaign) Analyze(state json.RawMessage, results map[string]workflow.TaskResult) (json.RawMessage, error) {
	c.results = append(c.results, results)
	round := 0
	if state != nil {
		var s struct {
			Round int `json:"round"`
		}
		_ = json.Unmarshal(state, &s)
		round = s.Round
	}
	return json.Marshal(map[string]int{"round": round + 1})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine assembles an engine around a temp run directory, a real
// store, and the given fakes. The run row is created RUNNING with the
// campaign's first round already added.
func newTestEngine(t *testing.T, cfg *config.RunConfig, src OperatorSource, camp workflow.Campaign) *Engine {
	t.Helper()
	ctx := context.Background()

	run := workflow.NewRunHandle("run_test", t.TempDir())
	store, err := storage.Open(run.DBPath(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg == nil {
		cfg = &config.RunConfig{}
	}
	if cfg.CampaignSlug == "" {
		cfg.CampaignSlug = camp.Slug()
	}

	eng := &Engine{
		Run:       run,
		Store:     store,
		Config:    cfg,
		Campaign:  camp,
		Operators: src,
		Hooks:     lifecycle.NewComposite(testLogger()),
		Logger:    testLogger(),
		now:       time.Now,
	}

	require.NoError(t, store.CreateRun(ctx, run.RunID, cfg.CampaignSlug, workflow.RunRunning, "{}"))
	initial, err := camp.Plan(nil)
	require.NoError(t, err)
	if initial != nil && initial.Len() > 0 {
		require.NoError(t, store.AddWorkflow(ctx, run.RunID, initial))
	}
	return eng
}

func taskStatus(t *testing.T, eng *Engine, taskID string) workflow.TaskStatus {
	t.Helper()
	rec, err := eng.Store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return rec.Status
}

func currentAttempt(t *testing.T, eng *Engine, taskID string) *storage.AttemptRecord {
	t.Helper()
	att, err := eng.Store.GetCurrentAttempt(context.Background(), taskID)
	require.NoError(t, err)
	return att
}
