package engine

import (
	"strings"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// pruneClaims forgets retry and failure records of nodes that no longer need
// to run, for example because their outputs appeared through another run.
func pruneClaims(runtime EngineRuntime, nodes []ModuleStatus) EngineRuntime {
	if len(runtime.Claims) == 0 {
		return runtime
	}
	for _, node := range nodes {
		claim, ok := runtime.Claims[node.ID]
		if ok && claim.State != ClaimRunning && node.State.Satisfied() {
			delete(runtime.Claims, node.ID)
		}
	}
	return runtime
}

// dropClaims removes claims whose state is listed.
func dropClaims(runtime EngineRuntime, states ...ClaimState) EngineRuntime {
	for id, claim := range runtime.Claims {
		for _, state := range states {
			if claim.State == state {
				delete(runtime.Claims, id)
				break
			}
		}
	}
	return runtime
}

// gatedMatches returns the gated nodes of def that name selects, either by
// node id or by task family.
func gatedMatches(def workflow.WorkflowDefinition, name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	var ids []string
	for _, id := range def.ModuleIDs() {
		if !def.Runtime.Gated(id) {
			continue
		}
		family, _, _ := workflow.ParseNodeID(id)
		if id == name || family == name {
			ids = append(ids, id)
		}
	}
	return ids
}

func stripIDs(values []string, ids []string) []string {
	if len(values) == 0 || len(ids) == 0 {
		return values
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		drop[id] = struct{}{}
	}
	if len(drop) == 0 {
		return values
	}
	filtered := make([]string, 0, len(values))
	for _, id := range values {
		if _, remove := drop[id]; remove {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered
}

func filterClaimable(runnable []string, requested []string) []string {
	if len(runnable) == 0 {
		return nil
	}
	if len(requested) == 0 {
		out := make([]string, len(runnable))
		copy(out, runnable)
		return out
	}
	allowed := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		clean := strings.TrimSpace(id)
		if clean == "" {
			continue
		}
		allowed[clean] = struct{}{}
	}
	var filtered []string
	for _, id := range runnable {
		if _, ok := allowed[id]; ok {
			filtered = append(filtered, id)
		}
	}
	return filtered
}
