// Package events provides typed lifecycle events and a broadcast fan-out
// broker decoupling the orchestrator from its subscribers (dashboard,
// notification sinks, the JSONL journal).
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event type.
type Kind string

// Event kind constants.
const (
	KindZoneCreated      Kind = "zone.created"
	KindZoneUpdated      Kind = "zone.updated"
	KindZoneDeleted      Kind = "zone.deleted"
	KindWorkspaceCreated Kind = "workspace.created"
	KindWorkspaceDeleted Kind = "workspace.deleted"
	KindWorkspaceMoved   Kind = "workspace.moved"
	KindAssigned         Kind = "workspace.assigned"
	KindUnassigned       Kind = "workspace.removed"
	KindTriggerExecuted  Kind = "trigger.executed"
	KindTriggerFailed    Kind = "trigger.failed"
	KindActionExecuted   Kind = "action.executed"
)

// Payload is the sealed set of event payload types. Each kind carries
// exactly one payload type, so subscribers get compile-time checked access
// instead of an untyped bag.
type Payload interface {
	isEventPayload()
}

// ZonePayload accompanies zone.* events.
type ZonePayload struct {
	ZoneID string `json:"zone_id"`
	Name   string `json:"name,omitempty"`
}

// WorkspacePayload accompanies workspace.created/deleted/moved events.
type WorkspacePayload struct {
	WorkspaceID string `json:"workspace_id"`
	Branch      string `json:"branch,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// AssignmentPayload accompanies workspace.assigned/removed events.
type AssignmentPayload struct {
	WorkspaceID string `json:"workspace_id"`
	ZoneID      string `json:"zone_id"`
}

// TriggerPayload accompanies trigger.executed/failed events.
type TriggerPayload struct {
	ZoneID      string `json:"zone_id"`
	WorkspaceID string `json:"workspace_id"`
	ExecutionID string `json:"execution_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// ActionPayload accompanies action.executed events.
type ActionPayload struct {
	ZoneID      string `json:"zone_id"`
	WorkspaceID string `json:"workspace_id"`
	ActionKind  string `json:"action_kind"`
	Error       string `json:"error,omitempty"`
}

func (ZonePayload) isEventPayload()       {}
func (WorkspacePayload) isEventPayload()  {}
func (AssignmentPayload) isEventPayload() {}
func (TriggerPayload) isEventPayload()    {}
func (ActionPayload) isEventPayload()     {}

// Event is one lifecycle event with its typed payload.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
}

// New creates an event stamped with the current time.
func New(kind Kind, payload Payload) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}
}

// ToJSON serializes the event for the journal and the websocket stream.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return data, nil
}
