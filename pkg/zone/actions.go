package zone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
)

// Action kinds. Unknown kinds survive parsing and no-op at execution time so
// a newer config does not brick an older binary.
const (
	ActionRunTests        = "run-tests"
	ActionOpenPullRequest = "open-pull-request"
	ActionNotify          = "notify"
	ActionWebhook         = "webhook"
)

// Action is a typed post-dispatch step. Kind selects which payload fields
// apply; the rest stay zero.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Action struct {
	Kind string `json:"kind" yaml:"kind"`

	// run-tests
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// open-pull-request
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	BaseBranch string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`

	// notify
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// webhook
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
}

// ParseActions decodes the serialized action list from a zone record.
// An empty string means no actions.
func ParseActions(actionsJSON string) ([]Action, error) {
	if actionsJSON == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return nil, fmt.Errorf("failed to parse actions: %w", err)
	}
	return actions, nil
}

// MarshalActions serializes an action list for storage.
func MarshalActions(actions []Action) (string, error) {
	if len(actions) == 0 {
		return "", nil
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("failed to serialize actions: %w", err)
	}
	return string(data), nil
}

// ActionRunner executes a single action against a workspace. Tests and the
// orchestrator share this seam.
type ActionRunner interface {
	Run(ctx context.Context, action Action, ws *persistence.Workspace, refCtx *refcontext.Context) error
}

// execActionRunner executes actions against the real environment: shell
// commands in the worktree, gh for pull requests, HTTP for webhooks.
type execActionRunner struct {
	logger     *logx.Logger
	httpClient *http.Client
}

// NewActionRunner returns the production action runner.
func NewActionRunner() ActionRunner {
	return &execActionRunner{
		logger:     logx.NewLogger("actions"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *execActionRunner) Run(ctx context.Context, action Action, ws *persistence.Workspace, refCtx *refcontext.Context) error {
	switch action.Kind {
	case ActionRunTests:
		return r.runTests(ctx, action, ws)
	case ActionOpenPullRequest:
		return r.openPullRequest(ctx, action, ws, refCtx)
	case ActionNotify:
		message := action.Message
		if message == "" {
			message = "zone action fired"
		}
		r.logger.Info("Notify [workspace %s]: %s", ws.ID, refcontext.Render(message, ws, refCtx))
		return nil
	case ActionWebhook:
		return r.callWebhook(ctx, action, ws, refCtx)
	default:
		r.logger.Warn("Skipping unknown action kind %q", action.Kind)
		return nil
	}
}

func (r *execActionRunner) runTests(ctx context.Context, action Action, ws *persistence.Workspace) error {
	command := action.Command
	if command == "" {
		command = "make test"
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = ws.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("test command %q failed: %w\nOutput: %s", command, err, string(output))
	}
	r.logger.Info("Tests passed in workspace %s", ws.ID)
	return nil
}

func (r *execActionRunner) openPullRequest(ctx context.Context, action Action, ws *persistence.Workspace, refCtx *refcontext.Context) error {
	title := action.Title
	if title == "" {
		title = ws.Branch
	}
	title = refcontext.Render(title, ws, refCtx)

	args := []string{"pr", "create", "--title", title, "--fill-verbose"}
	if action.BaseBranch != "" {
		args = append(args, "--base", action.BaseBranch)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = ws.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh pr create failed: %w\nOutput: %s", err, string(output))
	}
	r.logger.Info("Opened pull request for workspace %s: %s", ws.ID, title)
	return nil
}

func (r *execActionRunner) callWebhook(ctx context.Context, action Action, ws *persistence.Workspace, refCtx *refcontext.Context) error {
	if action.URL == "" {
		return fmt.Errorf("webhook action missing url")
	}
	method := action.Method
	if method == "" {
		method = http.MethodPost
	}

	payload := map[string]any{
		"workspace_id": ws.ID,
		"branch":       ws.Branch,
	}
	if refCtx != nil {
		payload["context_title"] = refCtx.Title
		payload["context_url"] = refCtx.URL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, action.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s failed: %w", action.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", action.URL, resp.StatusCode)
	}
	return nil
}
