package engine

import (
	"sort"
	"time"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
	"github.com/kingrea/hgcsim/internal/workflow/scheduler"
)

// EngineStatus enumerates coarse workflow engine phases.
type EngineStatus string

const (
	EngineStatusUnknown  EngineStatus = "unknown"
	EngineStatusRunning  EngineStatus = "running"
	EngineStatusBlocked  EngineStatus = "blocked"
	EngineStatusComplete EngineStatus = "complete"
	EngineStatusError    EngineStatus = "error"
	// EngineStatusAwaitingApproval means only manually gated nodes can run.
	EngineStatusAwaitingApproval EngineStatus = "awaiting-approval"
)

// State captures the persisted snapshot of a workflow run.
type State struct {
	RunID      string                      `json:"run_id"`
	WorkflowID string                      `json:"workflow_id"`
	Definition workflow.WorkflowDefinition `json:"definition"`
	Status     EngineStatus                `json:"status"`
	// StatusReason provides human readable explanation for non-running states.
	StatusReason string                          `json:"status_reason,omitempty"`
	Runtime      EngineRuntime                   `json:"runtime"`
	Nodes        []ModuleStatus                  `json:"nodes"`
	Runnable     []string                        `json:"runnable"`
	Skipped      map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Runs         map[string]ModuleRun            `json:"runs,omitempty"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// EngineRuntime is the execution bookkeeping that survives across updates.
// Scheduling limits live in the definition's runtime config.
type EngineRuntime struct {
	// Claims holds nodes that are running, waiting for another attempt or out
	// of attempts. Successful nodes leave the map.
	Claims map[string]WorkClaim `json:"claims,omitempty"`
	// Approved lists gated node ids released for execution.
	Approved []string `json:"approved,omitempty"`
}

// Running returns the ids of nodes currently executing, sorted.
func (rt EngineRuntime) Running() []string {
	return rt.inState(ClaimRunning)
}

// Failed returns the ids of nodes that used up their attempts, sorted.
func (rt EngineRuntime) Failed() []string {
	return rt.inState(ClaimFailed)
}

func (rt EngineRuntime) inState(state ClaimState) []string {
	var ids []string
	for id, claim := range rt.Claims {
		if claim.State == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (rt EngineRuntime) approved(id string) bool {
	for _, approved := range rt.Approved {
		if approved == id {
			return true
		}
	}
	return false
}

// holds lists the nodes the scheduler must leave alone.
func (rt EngineRuntime) holds(def workflow.WorkflowDefinition) map[string]scheduler.SkipReason {
	holds := map[string]scheduler.SkipReason{}
	for id, claim := range rt.Claims {
		switch claim.State {
		case ClaimRunning:
			holds[id] = scheduler.SkipReason{Reason: scheduler.SkipReasonActive, Detail: claim.Backend}
		case ClaimFailed:
			holds[id] = scheduler.SkipReason{Reason: scheduler.SkipReasonFailed, Detail: claim.Error}
		}
	}
	for _, id := range def.ModuleIDs() {
		if _, held := holds[id]; held {
			continue
		}
		if def.Runtime.Gated(id) && !rt.approved(id) {
			holds[id] = scheduler.SkipReason{Reason: scheduler.SkipReasonManualGate, Detail: "run hgcsim approve --task " + id}
		}
	}
	return holds
}

func (rt EngineRuntime) clone() EngineRuntime {
	out := EngineRuntime{Approved: cloneStrings(rt.Approved)}
	if len(rt.Claims) > 0 {
		out.Claims = make(map[string]WorkClaim, len(rt.Claims))
		for id, claim := range rt.Claims {
			out.Claims[id] = claim
		}
	}
	return out
}

// ModuleStatus exposes resolver metadata for a workflow node.
type ModuleStatus struct {
	ID           string                    `json:"id"`
	ModuleID     string                    `json:"module_id"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	Optional     bool                      `json:"optional,omitempty"`
	Concurrency  module.ConcurrencyProfile `json:"concurrency"`
	State        resolver.NodeState        `json:"state"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Dependents   []string                  `json:"dependents,omitempty"`
	BlockedBy    []string                  `json:"blocked_by,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Artifacts    map[string]ArtifactStatus `json:"artifacts,omitempty"`
	LastRun      *ModuleRun                `json:"last_run,omitempty"`
}

// ArtifactStatus mirrors resolver artifact evaluation for UI/state consumers.
type ArtifactStatus struct {
	ID                  string                `json:"id"`
	Status              module.ArtifactStatus `json:"status"`
	ExpectedFingerprint string                `json:"expected_fingerprint,omitempty"`
	StoredFingerprint   string                `json:"stored_fingerprint,omitempty"`
	Error               string                `json:"error,omitempty"`
}

// ModuleRun persists the last known runtime result for a module execution.
type ModuleRun struct {
	Status     module.Status `json:"status"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
