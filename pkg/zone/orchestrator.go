package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"workdeck/pkg/bridge"
	"workdeck/pkg/events"
	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
	"workdeck/pkg/utils"
)

// Trigger lifecycle states.
const (
	StateIdle               = "idle"
	StateEvaluating         = "evaluating"
	StateDispatching        = "dispatching"
	StateFinalizing         = "finalizing"
	StateRecorded           = "recorded"
	StateRecordedWithErrors = "recorded-with-errors"
)

const (
	promptExcerptLen  = 200
	defaultMaxTokens  = 4096
	defaultTempAgents = 0.2
)

// QueryExecutor dispatches one rendered prompt to a provider. Satisfied by
// *bridge.Bridge; tests substitute fakes.
type QueryExecutor interface {
	Execute(ctx context.Context, provider string, q bridge.Query) (bridge.Response, error)
}

// ContextResolver resolves a reference URL to its normalized context.
// Satisfied by *refcontext.Provider.
type ContextResolver interface {
	Resolve(ctx context.Context, referenceURL string) (*refcontext.Context, error)
}

// AgentOutcome is one agent's result within a trigger execution.
type AgentOutcome struct {
	Agent   string `json:"agent"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TriggerOutcome summarizes one complete trigger flow.
type TriggerOutcome struct {
	ExecutionID string         `json:"execution_id"`
	State       string         `json:"state"`
	Success     bool           `json:"success"`
	Outcomes    []AgentOutcome `json:"outcomes"`
}

// Orchestrator runs the assignment-trigger lifecycle: evaluate, dispatch
// agents, finalize actions, record.
type Orchestrator struct {
	store    *persistence.Store
	executor QueryExecutor
	resolver ContextResolver
	actions  ActionRunner
	broker   *events.Broker
	logger   *logx.Logger
}

// NewOrchestrator wires the trigger engine.
func NewOrchestrator(store *persistence.Store, executor QueryExecutor, resolver ContextResolver, actions ActionRunner, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:    store,
		executor: executor,
		resolver: resolver,
		actions:  actions,
		broker:   broker,
		logger:   logx.NewLogger("orchestrator"),
	}
}

// Assign binds a workspace to a zone, replacing any prior assignment. Zones
// with an on-assignment trigger fire synchronously and return their outcome;
// other trigger kinds return a nil outcome.
func (o *Orchestrator) Assign(ctx context.Context, workspaceID, zoneID string) (*TriggerOutcome, error) {
	ws, err := o.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	z, err := o.store.GetZone(zoneID)
	if err != nil {
		return nil, err
	}

	if err := o.store.UpsertAssignment(workspaceID, zoneID); err != nil {
		return nil, err
	}
	o.broker.Publish(events.New(events.KindAssigned, events.AssignmentPayload{
		WorkspaceID: workspaceID,
		ZoneID:      zoneID,
	}))

	if z.Trigger != persistence.TriggerOnAssignment {
		return nil, nil //nolint:nilnil // No outcome for non-assignment triggers
	}
	return o.fire(ctx, z, ws)
}

// Unassign removes a workspace's assignment, if any.
func (o *Orchestrator) Unassign(workspaceID string) error {
	assignment, err := o.store.GetAssignment(workspaceID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteAssignment(workspaceID); err != nil {
		return err
	}

	o.broker.Publish(events.New(events.KindUnassigned, events.AssignmentPayload{
		WorkspaceID: workspaceID,
		ZoneID:      assignment.ZoneID,
	}))
	return nil
}

// Assignment returns the workspace's current assignment.
func (o *Orchestrator) Assignment(workspaceID string) (*persistence.Assignment, error) {
	return o.store.GetAssignment(workspaceID)
}

// ListAssignments returns every workspace-to-zone binding.
func (o *Orchestrator) ListAssignments() ([]*persistence.Assignment, error) {
	return o.store.ListAssignments()
}

// AssignedWorkspaces returns the workspaces currently assigned to a zone.
func (o *Orchestrator) AssignedWorkspaces(zoneID string) ([]*persistence.Workspace, error) {
	if _, err := o.store.GetZone(zoneID); err != nil {
		return nil, err
	}
	return o.store.ListWorkspaces(&persistence.WorkspaceFilter{ZoneID: &zoneID})
}

// ManualFire runs the full trigger flow regardless of the zone's trigger
// kind, for explicit user-initiated runs.
func (o *Orchestrator) ManualFire(ctx context.Context, zoneID, workspaceID string) (*TriggerOutcome, error) {
	z, err := o.store.GetZone(zoneID)
	if err != nil {
		return nil, err
	}
	ws, err := o.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	return o.fire(ctx, z, ws)
}

// fire runs Evaluating, Dispatching, Finalizing and records the execution.
// A zone with no agents is a no-op: nothing is dispatched, no actions run,
// and no execution record is written.
func (o *Orchestrator) fire(ctx context.Context, z *persistence.Zone, ws *persistence.Workspace) (*TriggerOutcome, error) {
	if len(z.Agents) == 0 {
		o.logger.Info("Zone %s (%s) has no agents, trigger is a no-op", z.ID, z.Name)
		return &TriggerOutcome{State: StateIdle, Success: true}, nil
	}

	o.logger.Info("Trigger firing: zone %s (%s) on workspace %s", z.ID, z.Name, ws.ID)

	// Evaluating: resolve the workspace's reference, if it has one.
	var refCtx *refcontext.Context
	if ws.ReferenceURL != "" {
		resolved, err := o.resolver.Resolve(ctx, ws.ReferenceURL)
		if err != nil {
			return o.recordFailure(z, ws, nil, "", 0, "", err)
		}
		refCtx = resolved
	}

	prompt := refcontext.Render(z.PromptTemplate, ws, refCtx)
	excerpt := utils.Excerpt(prompt, promptExcerptLen)
	tokens := utils.CountTokensSimple(prompt)
	fingerprint := refcontext.Fingerprint(refCtx)

	// Dispatching.
	outcomes := o.dispatch(ctx, z, prompt)

	anyFailed := false
	for i := range outcomes {
		if !outcomes[i].Success {
			anyFailed = true
			break
		}
	}

	// Finalizing: stop-on-error skips actions after a failure.
	if anyFailed && z.ErrorPolicy == persistence.ErrorPolicyStop {
		o.logger.Info("Skipping actions for zone %s (stop-on-error after agent failure)", z.ID)
	} else {
		o.runActions(ctx, z, ws, refCtx)
	}

	state := StateRecorded
	if anyFailed {
		state = StateRecordedWithErrors
	}

	execution, err := o.record(z, ws, outcomes, excerpt, tokens, fingerprint, !anyFailed)
	if err != nil {
		return nil, err
	}

	kind := events.KindTriggerExecuted
	if anyFailed {
		kind = events.KindTriggerFailed
	}
	o.broker.Publish(events.New(kind, events.TriggerPayload{
		ZoneID:      z.ID,
		WorkspaceID: ws.ID,
		ExecutionID: execution.ID,
		Success:     !anyFailed,
	}))

	return &TriggerOutcome{
		ExecutionID: execution.ID,
		State:       state,
		Success:     !anyFailed,
		Outcomes:    outcomes,
	}, nil
}

// dispatch runs the zone's agents against the rendered prompt. Under
// continue-on-error agents run concurrently; under stop-on-error they run in
// configured order and dispatch halts at the first failure. The returned
// outcome list always preserves configured agent order.
func (o *Orchestrator) dispatch(ctx context.Context, z *persistence.Zone, prompt string) []AgentOutcome {
	query := bridge.Query{
		Prompt:      prompt,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTempAgents,
	}

	if z.ErrorPolicy == persistence.ErrorPolicyStop {
		var outcomes []AgentOutcome
		for _, agent := range z.Agents {
			outcome := o.runAgent(ctx, agent, query)
			outcomes = append(outcomes, outcome)
			if !outcome.Success {
				break
			}
		}
		return outcomes
	}

	outcomes := make([]AgentOutcome, len(z.Agents))
	var wg sync.WaitGroup
	for i, agent := range z.Agents {
		wg.Add(1)
		go func(slot int, name string) {
			defer wg.Done()
			outcomes[slot] = o.runAgent(ctx, name, query)
		}(i, agent)
	}
	wg.Wait()
	return outcomes
}

// runAgent dispatches one bridge query for an agent. The agent identifier
// is passed through as the provider name; the bridge resolves names it does
// not serve to the configured default, and its absence comes back as an
// error naming the missing provider.
func (o *Orchestrator) runAgent(ctx context.Context, agent string, query bridge.Query) AgentOutcome {
	resp, err := o.executor.Execute(ctx, agent, query)
	if err != nil {
		o.logger.Warn("Agent %s failed: %v", agent, err)
		return AgentOutcome{Agent: agent, Success: false, Error: err.Error()}
	}
	return AgentOutcome{Agent: agent, Success: true, Result: resp.Content}
}

// runActions executes the zone's actions in declared order. Action failures
// are logged and broadcast but do not fail the execution.
func (o *Orchestrator) runActions(ctx context.Context, z *persistence.Zone, ws *persistence.Workspace, refCtx *refcontext.Context) {
	actions, err := ParseActions(z.ActionsJSON)
	if err != nil {
		// Validated at save time; a parse failure here means a hand-edited row.
		o.logger.Error("zone %s has unparseable actions: %v", z.ID, err)
		return
	}

	for _, action := range actions {
		actionErr := o.actions.Run(ctx, action, ws, refCtx)
		errMsg := ""
		if actionErr != nil {
			errMsg = actionErr.Error()
			o.logger.Warn("Action %s failed for zone %s: %v", action.Kind, z.ID, actionErr)
		}
		o.broker.Publish(events.New(events.KindActionExecuted, events.ActionPayload{
			ZoneID:      z.ID,
			WorkspaceID: ws.ID,
			ActionKind:  action.Kind,
			Error:       errMsg,
		}))
	}
}

// record appends the execution audit row.
func (o *Orchestrator) record(z *persistence.Zone, ws *persistence.Workspace, outcomes []AgentOutcome, excerpt string, tokens int, fingerprint string, success bool) (*persistence.Execution, error) {
	outcomesJSON, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize outcomes: %w", err)
	}

	execution := &persistence.Execution{
		ID:                 persistence.GenerateExecutionID(),
		ZoneID:             z.ID,
		WorkspaceID:        ws.ID,
		OutcomesJSON:       string(outcomesJSON),
		PromptExcerpt:      excerpt,
		PromptTokens:       tokens,
		ContextFingerprint: fingerprint,
		Success:            success,
	}
	if err := o.store.RecordExecution(execution); err != nil {
		return nil, logx.Wrap(err, "failed to record execution")
	}
	return execution, nil
}

// recordFailure records an execution that failed before dispatch (context
// resolution errors) and emits a trigger.failed event.
func (o *Orchestrator) recordFailure(z *persistence.Zone, ws *persistence.Workspace, outcomes []AgentOutcome, excerpt string, tokens int, fingerprint string, cause error) (*TriggerOutcome, error) {
	execution, err := o.record(z, ws, outcomes, excerpt, tokens, fingerprint, false)
	if err != nil {
		return nil, err
	}

	o.broker.Publish(events.New(events.KindTriggerFailed, events.TriggerPayload{
		ZoneID:      z.ID,
		WorkspaceID: ws.ID,
		ExecutionID: execution.ID,
		Success:     false,
		Error:       cause.Error(),
	}))

	return &TriggerOutcome{
		ExecutionID: execution.ID,
		State:       StateRecordedWithErrors,
		Success:     false,
		Outcomes:    outcomes,
	}, fmt.Errorf("trigger failed before dispatch: %w", cause)
}
