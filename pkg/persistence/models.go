package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Workspace represents an isolated, port-addressable unit of work.
//
//nolint:govet // struct alignment optimization not critical for this type
type Workspace struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ID           string    `json:"id"`
	Path         string    `json:"path"`   // Worktree directory on disk
	Branch       string    `json:"branch"` // Git branch name
	ReferenceURL string    `json:"reference_url,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"`
	Port         int       `json:"port"`
	PosX         float64   `json:"pos_x"` // Canvas position, advisory only
	PosY         float64   `json:"pos_y"`
}

// Workspace status constants.
const (
	WorkspaceStatusActive = "active"
	WorkspaceStatusPaused = "paused"
	WorkspaceStatusError  = "error"
)

// IsValidWorkspaceStatus checks if a status string is valid.
func IsValidWorkspaceStatus(status string) bool {
	switch status {
	case WorkspaceStatusActive, WorkspaceStatusPaused, WorkspaceStatusError:
		return true
	}
	return false
}

// Zone represents a declarative automation unit on the canvas.
//
//nolint:govet // struct alignment optimization not critical for this type
type Zone struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Trigger        string    `json:"trigger"`
	Agents         []string  `json:"agents"`
	PromptTemplate string    `json:"prompt_template,omitempty"`
	ActionsJSON    string    `json:"actions_json,omitempty"` // Typed actions, serialized by pkg/zone
	ErrorPolicy    string    `json:"error_policy"`
	PosX           float64   `json:"pos_x"`
	PosY           float64   `json:"pos_y"`
	Width          float64   `json:"width"`
	Height         float64   `json:"height"`
}

// Zone trigger kind constants.
const (
	TriggerOnAssignment = "on-assignment"
	TriggerManual       = "manual"
	TriggerScheduled    = "scheduled"
)

// Zone error policy constants.
const (
	ErrorPolicyContinue = "continue-on-error"
	ErrorPolicyStop     = "stop-on-error"
)

// IsValidTrigger checks if a trigger kind is valid.
func IsValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerOnAssignment, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// IsValidErrorPolicy checks if an error policy is valid.
func IsValidErrorPolicy(policy string) bool {
	switch policy {
	case ErrorPolicyContinue, ErrorPolicyStop:
		return true
	}
	return false
}

// Assignment binds a workspace to its single active zone.
type Assignment struct {
	CreatedAt   time.Time `json:"created_at"`
	WorkspaceID string    `json:"workspace_id"`
	ZoneID      string    `json:"zone_id"`
}

// Execution is an immutable audit record of one zone trigger firing.
//
//nolint:govet // struct alignment optimization not critical for this type
type Execution struct {
	CreatedAt          time.Time `json:"created_at"`
	ID                 string    `json:"id"`
	ZoneID             string    `json:"zone_id"`
	WorkspaceID        string    `json:"workspace_id"`
	OutcomesJSON       string    `json:"outcomes_json"` // Per-agent outcomes, serialized by pkg/zone
	PromptExcerpt      string    `json:"prompt_excerpt"`
	PromptTokens       int       `json:"prompt_tokens"`
	ContextFingerprint string    `json:"context_fingerprint,omitempty"`
	Success            bool      `json:"success"`
}

// GenerateWorkspaceID generates a new UUID for a workspace.
func GenerateWorkspaceID() string {
	return uuid.New().String()
}

// GenerateZoneID generates a new UUID for a zone.
func GenerateZoneID() string {
	return uuid.New().String()
}

// GenerateExecutionID generates a new UUID for an execution record.
func GenerateExecutionID() string {
	return uuid.New().String()
}

// WorkspaceFilter represents criteria for querying workspaces.
type WorkspaceFilter struct {
	Status *string `json:"status,omitempty"`
	ZoneID *string `json:"zone_id,omitempty"`
}
