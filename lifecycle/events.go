package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

// NATSURLEnvVar configures the event hook's broker address. When unset,
// no event hook is wired.
const NATSURLEnvVar = "MATTERSTACK_NATS_URL"

// EventHook publishes lifecycle events as JSON to matterstack.attempt.*
// subjects so external dashboards and bridges can follow runs without
// touching run databases.
type EventHook struct {
	conn *nats.Conn
}

// NewEventHook connects to the broker at url.
func NewEventHook(url string) (*EventHook, error) {
	conn, err := nats.Connect(url,
		nats.Name("matterstack-engine"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	return &EventHook{conn: conn}, nil
}

// EventHookFromEnv returns an event hook when MATTERSTACK_NATS_URL is set,
// or (nil, nil) when events are not configured.
func EventHookFromEnv() (*EventHook, error) {
	url := os.Getenv(NATSURLEnvVar)
	if url == "" {
		return nil, nil
	}
	return NewEventHook(url)
}

// Close drains the connection.
func (h *EventHook) Close() {
	if h.conn != nil {
		_ = h.conn.Drain()
	}
}

type attemptEvent struct {
	Event Event `json:"event"`
	AttemptContext
	ExternalID string `json:"external_id,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OnCreate implements Hook.
func (h *EventHook) OnCreate(_ context.Context, ac AttemptContext) error {
	return h.publish("matterstack.attempt.created", attemptEvent{Event: EventCreate, AttemptContext: ac})
}

// OnSubmit implements Hook.
func (h *EventHook) OnSubmit(_ context.Context, ac AttemptContext, externalID string) error {
	return h.publish("matterstack.attempt.submitted", attemptEvent{
		Event: EventSubmit, AttemptContext: ac, ExternalID: externalID,
	})
}

// OnComplete implements Hook.
func (h *EventHook) OnComplete(_ context.Context, ac AttemptContext, success bool) error {
	return h.publish("matterstack.attempt.completed", attemptEvent{
		Event: EventComplete, AttemptContext: ac, Success: &success,
	})
}

// OnFail implements Hook.
func (h *EventHook) OnFail(_ context.Context, ac AttemptContext, errMsg string) error {
	return h.publish("matterstack.attempt.failed", attemptEvent{
		Event: EventFail, AttemptContext: ac, Error: errMsg,
	})
}

func (h *EventHook) publish(subject string, ev attemptEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.conn.Publish(subject, b)
}
