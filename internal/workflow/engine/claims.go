package engine

import (
	"fmt"
	"time"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
)

// ClaimState is the lifecycle position of a claimed node.
type ClaimState string

const (
	// ClaimRunning means an attempt is executing.
	ClaimRunning ClaimState = "running"
	// ClaimRetry means the last attempt failed and another one is allowed.
	ClaimRetry ClaimState = "retry"
	// ClaimFailed means every allowed attempt failed.
	ClaimFailed ClaimState = "failed"
)

// ClaimRequest asks the engine to reserve runnable modules for execution.
type ClaimRequest struct {
	// Limit caps how many runnable modules may be claimed at once. Zero means "all".
	Limit int
	// Modules restricts claims to a subset of runnable module IDs. When empty,
	// every runnable module is eligible.
	Modules []string
	// Backend names the executor for nodes that may leave the process.
	Backend string
	// LocalBackend names the executor for nodes that must run locally.
	LocalBackend string
}

// WorkClaim tracks one node from the moment it is handed out until it
// succeeds or runs out of attempts.
type WorkClaim struct {
	ID       string `json:"id"`
	ModuleID string `json:"module_id"`
	Name     string `json:"name,omitempty"`
	Family   string `json:"family"`
	// Branch is the branch number, -1 for aggregate nodes.
	Branch      int        `json:"branch"`
	Local       bool       `json:"local,omitempty"`
	Backend     string     `json:"backend,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	State       ClaimState `json:"state"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	Error       string     `json:"error,omitempty"`
}

// Final reports whether a failure of this attempt ends the node's run.
func (c WorkClaim) Final() bool {
	return c.Attempt >= c.MaxAttempts
}

// ClaimResult returns the new engine state plus the reserved modules.
type ClaimResult struct {
	Claims []WorkClaim
	State  State
}

// Claim reserves runnable modules, marks them as running, and persists the new
// engine snapshot so other workers observe the updated runtime state. A node
// waiting for a retry is claimed with the next attempt number.
func (e *Engine) Claim(mc *module.ModuleContext, req ClaimRequest) (ClaimResult, error) {
	if mc == nil {
		return ClaimResult{}, fmt.Errorf("workflow engine: module context is required")
	}
	current, err := e.repo.Load()
	if err != nil {
		return ClaimResult{}, err
	}
	state, err := e.buildState(mc, current.Definition, current.Runtime, current.Runs)
	if err != nil {
		return ClaimResult{}, err
	}
	state.RunID = current.RunID
	state.WorkflowID = current.WorkflowID
	runnable := filterClaimable(state.Runnable, req.Modules)
	if req.Limit > 0 && req.Limit < len(runnable) {
		runnable = runnable[:req.Limit]
	}
	now := e.now()
	if state.Runtime.Claims == nil {
		state.Runtime.Claims = map[string]WorkClaim{}
	}
	claims := make([]WorkClaim, 0, len(runnable))
	for _, id := range runnable {
		status, ok := findModuleStatus(state.Nodes, id)
		if !ok {
			continue
		}
		claim := newClaim(id, state.Definition.Runtime)
		claim.ModuleID = status.ModuleID
		claim.Name = status.Name
		claim.Local = status.Concurrency.Local
		claim.Backend = req.Backend
		if claim.Local && req.LocalBackend != "" {
			claim.Backend = req.LocalBackend
		}
		if prior, ok := state.Runtime.Claims[id]; ok && prior.State == ClaimRetry {
			claim.Attempt = prior.Attempt + 1
		}
		claim.ClaimedAt = now
		state.Runtime.Claims[id] = claim
		claims = append(claims, claim)
	}
	state.Runnable = stripIDs(state.Runnable, runnable)
	state.Status, state.StatusReason = deriveEngineStatus(state.Nodes, state.Definition, state.Runtime)
	state.UpdatedAt = now
	if err := e.repo.Save(state); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claims: claims, State: state}, nil
}

func newClaim(id string, rt workflow.WorkflowRuntimeConfig) WorkClaim {
	family, branch, ok := workflow.ParseNodeID(id)
	if !ok {
		branch = -1
	}
	return WorkClaim{
		ID:          id,
		ModuleID:    family,
		Family:      family,
		Branch:      branch,
		Attempt:     1,
		MaxAttempts: rt.Retries + 1,
		State:       ClaimRunning,
	}
}

// settle folds module results into the claims. Success drops the claim, a
// failure either schedules another attempt or marks the node failed.
func settle(runtime EngineRuntime, def workflow.WorkflowDefinition, updates []ModuleStatusUpdate) EngineRuntime {
	if len(updates) == 0 {
		return runtime
	}
	if runtime.Claims == nil {
		runtime.Claims = map[string]WorkClaim{}
	}
	for _, update := range updates {
		if update.ID == "" {
			continue
		}
		if !updateFailed(update) {
			delete(runtime.Claims, update.ID)
			continue
		}
		claim, ok := runtime.Claims[update.ID]
		if !ok {
			claim = newClaim(update.ID, def.Runtime)
		}
		claim.Error = errorString(update.Err)
		if claim.Error == "" {
			claim.Error = update.Result.Message
		}
		claim.State = ClaimRetry
		if claim.Final() {
			claim.State = ClaimFailed
		}
		runtime.Claims[update.ID] = claim
	}
	return runtime
}

func updateFailed(update ModuleStatusUpdate) bool {
	if update.Err != nil {
		return true
	}
	return update.Result.Status == module.StatusFailed
}

func findModuleStatus(nodes []ModuleStatus, id string) (ModuleStatus, bool) {
	for _, node := range nodes {
		if node.ID == id {
			return node, true
		}
	}
	return ModuleStatus{}, false
}
