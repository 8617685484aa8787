package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
	"github.com/kingrea/hgcsim/internal/workflow/scheduler"
)

// Engine coordinates the resolver and scheduler while persisting workflow state.
type Engine struct {
	registry *module.Registry
	repo     StateStore
	clock    func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New wires a workflow engine to the module registry and persistence store.
func New(registry *module.Registry, repo StateStore, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("workflow engine: module registry is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("workflow engine: state store is required")
	}
	engine := &Engine{
		registry: registry,
		repo:     repo,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// StartRequest bootstraps a workflow definition.
type StartRequest struct {
	Definition workflow.WorkflowDefinition
}

// ResumeRequest refreshes persistent state after process restarts.
type ResumeRequest struct {
	// Runtime replaces the persisted definition's runtime config when set.
	Runtime *workflow.WorkflowRuntimeConfig
	// ResetFailures makes nodes that failed earlier claimable again.
	ResetFailures bool
}

// ApproveRequest releases manually gated nodes. Each entry is a node id or a
// task family.
type ApproveRequest struct {
	Nodes []string
}

// ModuleStatusUpdate informs the engine that a module finished running.
type ModuleStatusUpdate struct {
	ID         string
	Result     module.Result
	Err        error
	FinishedAt time.Time
}

// UpdateRequest applies module result updates.
type UpdateRequest struct {
	Results []ModuleStatusUpdate
}

// Start evaluates a workflow definition from scratch.
func (e *Engine) Start(mc *module.ModuleContext, req StartRequest) (State, error) {
	if mc == nil {
		return State{}, fmt.Errorf("workflow engine: module context is required")
	}
	normalized, err := req.Definition.Normalized()
	if err != nil {
		return State{}, err
	}
	state, err := e.buildState(mc, normalized, EngineRuntime{}, nil)
	if err != nil {
		return State{}, err
	}
	now := e.now()
	state.RunID = generateRunID(normalized.ID, now)
	state.WorkflowID = normalized.ID
	state.UpdatedAt = now
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Resume reloads persisted state and refreshes resolver/scheduler snapshots.
func (e *Engine) Resume(mc *module.ModuleContext, req ResumeRequest) (State, error) {
	if mc == nil {
		return State{}, fmt.Errorf("workflow engine: module context is required")
	}
	current, err := e.repo.Load()
	if err != nil {
		return State{}, err
	}
	def := current.Definition
	if req.Runtime != nil {
		def.Runtime = *req.Runtime
		if def, err = def.Normalized(); err != nil {
			return State{}, err
		}
	}
	// Nothing is running right after a restart.
	runtime := dropClaims(current.Runtime.clone(), ClaimRunning)
	if req.ResetFailures {
		runtime = dropClaims(runtime, ClaimRetry, ClaimFailed)
	}
	state, err := e.buildState(mc, def, runtime, current.Runs)
	if err != nil {
		return State{}, err
	}
	state.RunID = current.RunID
	state.WorkflowID = current.WorkflowID
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Update merges module results into the claims and refreshes state.
func (e *Engine) Update(mc *module.ModuleContext, req UpdateRequest) (State, error) {
	if mc == nil {
		return State{}, fmt.Errorf("workflow engine: module context is required")
	}
	current, err := e.repo.Load()
	if err != nil {
		return State{}, err
	}
	updatedRuns := mergeRuns(current.Runs, req.Results, current.Runtime.Claims, e.now)
	runtime := settle(current.Runtime.clone(), current.Definition, req.Results)
	state, err := e.buildState(mc, current.Definition, runtime, updatedRuns)
	if err != nil {
		return State{}, err
	}
	state.RunID = current.RunID
	state.WorkflowID = current.WorkflowID
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Approve releases gated nodes of the persisted run. Asking for a node that is
// not behind a gate is an error.
func (e *Engine) Approve(mc *module.ModuleContext, req ApproveRequest) (State, error) {
	if mc == nil {
		return State{}, fmt.Errorf("workflow engine: module context is required")
	}
	current, err := e.repo.Load()
	if err != nil {
		return State{}, err
	}
	runtime := current.Runtime.clone()
	for _, name := range req.Nodes {
		ids := gatedMatches(current.Definition, name)
		if len(ids) == 0 {
			return State{}, fmt.Errorf("workflow engine: %s is not behind a manual gate", name)
		}
		for _, id := range ids {
			if !runtime.approved(id) {
				runtime.Approved = append(runtime.Approved, id)
			}
		}
	}
	sort.Strings(runtime.Approved)
	state, err := e.buildState(mc, current.Definition, runtime, current.Runs)
	if err != nil {
		return State{}, err
	}
	state.RunID = current.RunID
	state.WorkflowID = current.WorkflowID
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// View returns the last persisted snapshot without recomputing resolver state.
func (e *Engine) View() (State, error) {
	return e.repo.Load()
}

func (e *Engine) buildState(mc *module.ModuleContext, def workflow.WorkflowDefinition, runtime EngineRuntime, runs map[string]ModuleRun) (State, error) {
	res, err := resolver.New(def, e.registry)
	if err != nil {
		return State{}, err
	}
	if err := res.Refresh(mc); err != nil {
		return State{}, err
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return State{}, err
	}
	nodes := summarizeNodes(res, runs)
	runtime = pruneClaims(runtime, nodes)
	batch, err := sched.Runnable(scheduler.RunnableRequest{
		BatchSize:   def.Runtime.BatchSize,
		MaxParallel: def.Runtime.MaxParallel,
		Active:      len(runtime.Running()),
		Holds:       runtime.holds(def),
	})
	if err != nil {
		return State{}, err
	}
	status, reason := deriveEngineStatus(nodes, def, runtime)
	state := State{
		WorkflowID:   def.ID,
		Definition:   def.Clone(),
		Runtime:      runtime.clone(),
		Nodes:        nodes,
		Runnable:     runnableIDs(batch.Nodes),
		Skipped:      cloneSkipped(batch.Skipped),
		Runs:         cloneRuns(runs),
		Status:       status,
		StatusReason: reason,
	}
	return state, nil
}

func summarizeNodes(res *resolver.Resolver, runs map[string]ModuleRun) []ModuleStatus {
	nodes := res.Nodes()
	result := make([]ModuleStatus, 0, len(nodes))
	for _, node := range nodes {
		info := node.Module.Info()
		ref := node.Ref
		status := ModuleStatus{
			ID:           node.ID,
			ModuleID:     ref.ModuleID,
			Name:         pickName(ref, info),
			Description:  ref.Description,
			Optional:     ref.Optional,
			Concurrency:  info.Concurrency,
			State:        node.State,
			Dependencies: cloneStrings(node.Dependencies),
			Dependents:   cloneStrings(node.Dependents),
			BlockedBy:    cloneStrings(node.BlockedBy),
		}
		if node.Err != nil {
			status.Error = node.Err.Error()
		}
		if len(node.Artifacts) > 0 {
			status.Artifacts = make(map[string]ArtifactStatus, len(node.Artifacts))
			for id, report := range node.Artifacts {
				status.Artifacts[id] = ArtifactStatus{
					ID:                  id,
					Status:              report.Status,
					ExpectedFingerprint: report.ExpectedFingerprint,
					StoredFingerprint:   report.StoredFingerprint,
					Error:               errorString(report.Err),
				}
			}
		}
		if run, ok := runs[node.ID]; ok {
			copyRun := run
			status.LastRun = &copyRun
		}
		result = append(result, status)
	}
	return result
}

func pickName(ref workflow.ModuleRef, info module.Info) string {
	if ref.Name != "" {
		return ref.Name
	}
	if info.Name != "" {
		return info.Name
	}
	if ref.ModuleID != "" {
		return ref.ModuleID
	}
	return ref.InstanceID()
}

func deriveEngineStatus(nodes []ModuleStatus, def workflow.WorkflowDefinition, runtime EngineRuntime) (EngineStatus, string) {
	for _, status := range nodes {
		if status.State == resolver.NodeStateError {
			return EngineStatusError, fmt.Sprintf("%s encountered an error", status.ID)
		}
	}
	failed := runtime.Failed()
	var gated []string
	hasReady := false
	hasPending := false
	for _, status := range nodes {
		switch status.State {
		case resolver.NodeStateReady:
			switch {
			case runtime.Claims[status.ID].State == ClaimFailed:
			case def.Runtime.Gated(status.ID) && !runtime.approved(status.ID):
				gated = append(gated, status.ID)
			default:
				hasReady = true
			}
		case resolver.NodeStatePending, resolver.NodeStateBlocked, resolver.NodeStateUnknown:
			hasPending = true
		}
	}
	if hasReady || len(runtime.Running()) > 0 {
		return EngineStatusRunning, ""
	}
	if len(failed) > 0 {
		if len(failed) == 1 {
			return EngineStatusError, fmt.Sprintf("%s failed", failed[0])
		}
		return EngineStatusError, fmt.Sprintf("%d nodes failed: %s", len(failed), strings.Join(failed, ", "))
	}
	if len(gated) > 0 {
		return EngineStatusAwaitingApproval, fmt.Sprintf("waiting for approval: %s", strings.Join(gated, ", "))
	}
	if !hasPending {
		return EngineStatusComplete, ""
	}
	return EngineStatusBlocked, ""
}

func runnableIDs(nodes []*resolver.Node) []string {
	if len(nodes) == 0 {
		return nil
	}
	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}

func cloneSkipped(values map[string]scheduler.SkipReason) map[string]scheduler.SkipReason {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]scheduler.SkipReason, len(values))
	for id, reason := range values {
		out[id] = reason
	}
	return out
}

func cloneRuns(values map[string]ModuleRun) map[string]ModuleRun {
	if len(values) == 0 {
		return map[string]ModuleRun{}
	}
	out := make(map[string]ModuleRun, len(values))
	for id, run := range values {
		out[id] = run
	}
	return out
}

func mergeRuns(existing map[string]ModuleRun, updates []ModuleStatusUpdate, claims map[string]WorkClaim, clock func() time.Time) map[string]ModuleRun {
	result := cloneRuns(existing)
	if len(updates) == 0 {
		return result
	}
	for _, update := range updates {
		if update.ID == "" {
			continue
		}
		finished := update.FinishedAt
		if finished.IsZero() {
			finished = clock()
		}
		record := ModuleRun{
			Status:     update.Result.Status,
			Message:    update.Result.Message,
			Error:      errorString(update.Err),
			Attempt:    claims[update.ID].Attempt,
			FinishedAt: finished,
		}
		result[update.ID] = record
	}
	return result
}

func generateRunID(workflowID string, now time.Time) string {
	base := strings.TrimSpace(workflowID)
	if base == "" {
		base = "workflow"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	return fmt.Sprintf("%s-%s-%s", base, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
