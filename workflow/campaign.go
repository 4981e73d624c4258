package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// TaskResult summarizes one task's outcome for the campaign analyze phase.
// Data and Files come from the current attempt's collected operator data.
type TaskResult struct {
	// TaskID is the task this result belongs to.
	TaskID string `json:"task_id"`

	// Status is the task's final status.
	Status TaskStatus `json:"status"`

	// Files maps collected output names to run-root-relative paths.
	Files map[string]string `json:"files,omitempty"`

	// Data carries structured output parsed by the operator.
	Data map[string]any `json:"data,omitempty"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
}

// Campaign is the planning contract a campaign implementation provides.
//
// Plan is called with nil state for the initial workflow and with the
// latest analyze output on each replan round; returning a nil workflow
// ends the run. Analyze digests the finished round's results into the
// state passed to the next Plan.
type Campaign interface {
	// Slug identifies the campaign within its workspace.
	Slug() string

	// Plan returns the next workflow, or nil when the campaign is done.
	Plan(state json.RawMessage) (*Workflow, error)

	// Analyze folds round results into updated campaign state.
	Analyze(state json.RawMessage, results map[string]TaskResult) (json.RawMessage, error)
}

var (
	campaignsMu sync.RWMutex
	campaigns   = make(map[string]Campaign)
)

// RegisterCampaign makes a campaign available for initialization and
// stepping by slug. Campaigns register at program startup, typically
// from an init function in the campaign's package.
func RegisterCampaign(c Campaign) error {
	campaignsMu.Lock()
	defer campaignsMu.Unlock()
	slug := c.Slug()
	if slug == "" {
		return fmt.Errorf("campaign slug must not be empty")
	}
	if _, ok := campaigns[slug]; ok {
		return fmt.Errorf("campaign %q already registered", slug)
	}
	campaigns[slug] = c
	return nil
}

// LookupCampaign returns the registered campaign for slug.
func LookupCampaign(slug string) (Campaign, bool) {
	campaignsMu.RLock()
	defer campaignsMu.RUnlock()
	c, ok := campaigns[slug]
	return c, ok
}

// CampaignSlugs lists registered campaign slugs, sorted.
func CampaignSlugs() []string {
	campaignsMu.RLock()
	defer campaignsMu.RUnlock()
	out := make([]string, 0, len(campaigns))
	for slug := range campaigns {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
