// Package pipeline turns a run request into a workflow definition.
//
// The graph holds one node for the config task, one node per branch of every
// stage the targets need, and one aggregate node per target stage:
//
//	sim.CreateConfigs
//	sim.GSDTask:0 ... sim.GSDTask:N-1
//	sim.RecoTask:0 ... (depends on sim.GSDTask:i)
//	sim.NtupTask:0 ... (depends on sim.RecoTask:i)
//	sim.NtupTask       (depends on every sim.NtupTask:i)
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/hgcsim/internal/modules/stage"
	"github.com/kingrea/hgcsim/internal/params"
	"github.com/kingrea/hgcsim/internal/workflow"
)

// DefaultTarget is built when a request names no target.
const DefaultTarget = workflow.FamilyNtup

// Metadata keys recorded on the definition.
const (
	MetaVersion = "version"
	MetaHash    = "params_hash"
	MetaNTasks  = "n_tasks"
	MetaSeed    = "seed"
	MetaTargets = "targets"
)

// Request describes one run of the chain.
type Request struct {
	Targets []string
	Values  params.Values
	NTasks  int
	Seed    int
	Version string
	Runtime workflow.WorkflowRuntimeConfig
}

// DefinitionID returns the workflow id of a request.
func DefinitionID(version, hash string) string {
	return "sim-" + version + "-" + hash
}

// Build constructs and normalizes the definition for req.
func Build(catalog *stage.Catalog, req Request) (workflow.WorkflowDefinition, error) {
	if catalog == nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("pipeline: stage catalog is required")
	}
	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{DefaultTarget}
	}
	opts := stage.Options{Version: req.Version, Values: req.Values, NTasks: req.NTasks, Seed: req.Seed}
	if err := opts.Validate(); err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("pipeline: %w", err)
	}

	isTarget := make(map[string]bool, len(targets))
	var stages []stage.Definition
	included := map[string]bool{}
	for _, target := range targets {
		if isTarget[target] {
			continue
		}
		chain, err := catalog.Chain(target)
		if err != nil {
			return workflow.WorkflowDefinition{}, fmt.Errorf("pipeline: target %s: %w", target, err)
		}
		isTarget[target] = true
		for _, def := range chain {
			if !included[def.ID] {
				included[def.ID] = true
				stages = append(stages, def)
			}
		}
	}
	// Stages only ever follow their previous stage, so sorting by chain depth
	// keeps every stage after the stage it consumes.
	depth := func(def stage.Definition) int {
		chain, _ := catalog.Chain(def.ID)
		return len(chain)
	}
	sort.SliceStable(stages, func(i, j int) bool { return depth(stages[i]) < depth(stages[j]) })

	hash := req.Values.Hash()
	def := workflow.WorkflowDefinition{
		ID:          DefinitionID(req.Version, hash),
		Name:        fmt.Sprintf("%s (%s)", strings.Join(targets, ", "), req.Version),
		Description: fmt.Sprintf("%d branches per stage, seed %d", req.NTasks, req.Seed),
		Metadata: map[string]string{
			MetaVersion: req.Version,
			MetaHash:    hash,
			MetaNTasks:  strconv.Itoa(req.NTasks),
			MetaSeed:    strconv.Itoa(req.Seed),
			MetaTargets: strings.Join(targets, ","),
		},
		Runtime: req.Runtime,
	}
	def.Modules = append(def.Modules, workflow.ModuleRef{
		ID:       workflow.FamilyCreateConfigs,
		ModuleID: workflow.FamilyCreateConfigs,
		Name:     "Create Configs",
		Config: workflow.ModuleConfig{
			stage.KeyVersion: req.Version,
			stage.KeyParams:  req.Values.Strings(),
		},
	})
	for _, st := range stages {
		branchOpts := opts
		branchOpts.Retain = isTarget[st.ID]
		for i := 0; i < req.NTasks; i++ {
			deps := []string{workflow.FamilyCreateConfigs}
			if st.Previous != "" {
				deps = append(deps, workflow.NodeID(st.Previous, i))
			}
			def.Modules = append(def.Modules, workflow.ModuleRef{
				ID:        workflow.NodeID(st.ID, i),
				ModuleID:  st.ID,
				Name:      fmt.Sprintf("%s branch %d", st.DisplayName(), i),
				DependsOn: deps,
				Config:    branchOpts.BranchConfig(i),
			})
		}
	}
	for _, st := range stages {
		if !isTarget[st.ID] {
			continue
		}
		deps := make([]string, 0, req.NTasks)
		for i := 0; i < req.NTasks; i++ {
			deps = append(deps, workflow.NodeID(st.ID, i))
		}
		aggOpts := opts
		aggOpts.Retain = true
		def.Modules = append(def.Modules, workflow.ModuleRef{
			ID:        st.ID,
			ModuleID:  st.ID,
			Name:      st.DisplayName(),
			DependsOn: deps,
			Config:    aggOpts.Config(),
		})
	}
	return def.Normalized()
}

// IsAggregate reports whether node is the aggregate of a stage.
func IsAggregate(node string) bool {
	if node == workflow.FamilyCreateConfigs {
		return false
	}
	_, _, ok := workflow.ParseNodeID(node)
	return !ok
}
