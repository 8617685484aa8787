package workflow

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// DependencyGraph maps workflow-scoped node identifiers to the node IDs they
// depend on. The resolver treats the keys as aliases that correspond to
// ModuleRef.InstanceID().
type DependencyGraph map[string][]string

// Clone returns a deep copy of the graph.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for key, deps := range g {
		out[key] = cloneStringSlice(deps)
	}
	return out
}

// Reverse returns the dependents of every node, sorted.
func (g DependencyGraph) Reverse() DependencyGraph {
	out := DependencyGraph{}
	for node, deps := range g {
		for _, dep := range deps {
			out[dep] = append(out[dep], node)
		}
	}
	for key := range out {
		sort.Strings(out[key])
	}
	return out
}

// WorkflowDefinition declares an executable graph of task instances for one
// run of the simulation chain.
type WorkflowDefinition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Modules     []ModuleRef           `json:"modules" yaml:"modules"`
	Graph       DependencyGraph       `json:"graph,omitempty" yaml:"graph,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     WorkflowRuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Clone returns a deep copy of the workflow definition.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	clone := WorkflowDefinition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
		Graph:       def.Graph.Clone(),
		Runtime:     def.Runtime,
	}
	clone.Runtime.ManualGates = cloneStringSlice(def.Runtime.ManualGates)
	if len(def.Modules) > 0 {
		clone.Modules = make([]ModuleRef, len(def.Modules))
		for i, ref := range def.Modules {
			clone.Modules[i] = ref.Clone()
		}
	}
	return clone
}

// Validate ensures the workflow definition is self-consistent and acyclic.
func (def WorkflowDefinition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(def.Modules) == 0 {
		return fmt.Errorf("workflow %s: at least one module is required", def.ID)
	}
	seen := map[string]struct{}{}
	for idx, ref := range def.Modules {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("workflow %s module[%d]: %w", def.ID, idx, err)
		}
		instanceID := ref.InstanceID()
		if _, exists := seen[instanceID]; exists {
			return fmt.Errorf("workflow %s: duplicate module instance id %s", def.ID, instanceID)
		}
		seen[instanceID] = struct{}{}
	}
	for key, deps := range def.Graph {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("workflow %s: graph references unknown module %s", def.ID, key)
		}
		for _, dep := range deps {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("workflow %s: graph dependency %s -> %s references unknown module", def.ID, key, dep)
			}
			if dep == key {
				return fmt.Errorf("workflow %s: module %s depends on itself", def.ID, key)
			}
		}
	}
	if _, err := def.TopologicalOrder(); err != nil {
		return err
	}
	if err := def.Runtime.validate(); err != nil {
		return fmt.Errorf("workflow %s runtime: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, merges any inline module dependencies into
// the graph, and validates the result.
func (def WorkflowDefinition) Normalized() (WorkflowDefinition, error) {
	clone := def.Clone()
	if clone.Graph == nil {
		clone.Graph = DependencyGraph{}
	}
	for _, ref := range clone.Modules {
		id := ref.InstanceID()
		clone.Graph[id] = mergeDependencies(clone.Graph[id], ref.DependsOn)
	}
	clone.Runtime = clone.Runtime.normalized()
	if err := clone.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return clone, nil
}

// TopologicalOrder returns node IDs so that every node follows its
// dependencies. Ties keep declaration order.
func (def WorkflowDefinition) TopologicalOrder() ([]string, error) {
	ids := def.ModuleIDs()
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("workflow %s: dependency cycle %v", def.ID, append(path, id))
		}
		marks[id] = visiting
		deps := cloneStringSlice(def.Graph[id])
		sort.SliceStable(deps, func(i, j int) bool { return position[deps[i]] < position[deps[j]] })
		for _, dep := range deps {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		marks[id] = done
		order = append(order, id)
		return nil
	}
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// WorkflowRuntimeConfig configures execution constraints for a workflow.
type WorkflowRuntimeConfig struct {
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	// BatchSize caps how many nodes a single claim hands out.
	BatchSize int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Retries   int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	Backend   string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// ManualGates names task families or node ids that wait for approval
	// before they run.
	ManualGates []string `json:"manual_gates,omitempty" yaml:"manual_gates,omitempty"`
}

// Gated reports whether node id waits for approval. A gate on a family covers
// every branch of it.
func (cfg WorkflowRuntimeConfig) Gated(id string) bool {
	family, _, _ := ParseNodeID(id)
	for _, gate := range cfg.ManualGates {
		if gate == id || gate == family {
			return true
		}
	}
	return false
}

func (cfg WorkflowRuntimeConfig) normalized() WorkflowRuntimeConfig {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	if cfg.BatchSize < 0 {
		cfg.BatchSize = 0
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	cfg.ManualGates = mergeDependencies(nil, cfg.ManualGates)
	return cfg
}

func (cfg WorkflowRuntimeConfig) validate() error {
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0")
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	return nil
}

// ModuleIDs returns the workflow-scoped identifiers in declaration order.
func (def WorkflowDefinition) ModuleIDs() []string {
	ids := make([]string, 0, len(def.Modules))
	for _, ref := range def.Modules {
		ids = append(ids, ref.InstanceID())
	}
	return ids
}

// Lookup returns the module reference with the given instance id.
func (def WorkflowDefinition) Lookup(id string) (ModuleRef, bool) {
	for _, ref := range def.Modules {
		if ref.InstanceID() == id {
			return ref, true
		}
	}
	return ModuleRef{}, false
}

// Dependencies returns the dependency list for a module instance.
func (def WorkflowDefinition) Dependencies(id string) []string {
	if def.Graph == nil {
		return nil
	}
	return cloneStringSlice(def.Graph[id])
}

// Dependents returns the instances that depend on id, sorted.
func (def WorkflowDefinition) Dependents(id string) []string {
	var out []string
	for node, deps := range def.Graph {
		for _, dep := range deps {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ModuleRef describes how a workflow composes and configures a module.
type ModuleRef struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	ModuleID    string       `json:"module" yaml:"module"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      ModuleConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Optional    bool         `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Clone returns a deep copy of the module reference.
func (ref ModuleRef) Clone() ModuleRef {
	clone := ModuleRef{
		ID:          ref.ID,
		ModuleID:    ref.ModuleID,
		Name:        ref.Name,
		Description: ref.Description,
		Optional:    ref.Optional,
	}
	if len(ref.DependsOn) > 0 {
		clone.DependsOn = cloneStringSlice(ref.DependsOn)
	}
	if len(ref.Config) > 0 {
		clone.Config = ref.Config.Clone()
	}
	return clone
}

// ModuleConfig carries module-specific settings. Values round-trip through
// JSON and YAML, so numbers may come back as float64 and maps as map[string]any.
type ModuleConfig map[string]any

// Clone returns a copy of the config map. Nested string maps are copied too.
func (cfg ModuleConfig) Clone() ModuleConfig {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(ModuleConfig, len(cfg))
	for key, value := range cfg {
		switch typed := value.(type) {
		case map[string]string:
			clone[key] = cloneStringMap(typed)
		case map[string]any:
			inner := make(map[string]any, len(typed))
			for k, v := range typed {
				inner[k] = v
			}
			clone[key] = inner
		default:
			clone[key] = value
		}
	}
	return clone
}

// String returns a string setting.
func (cfg ModuleConfig) String(key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns an integer setting, accepting the numeric forms produced by decoders.
func (cfg ModuleConfig) Int(key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(v)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean setting. Strings are parsed with strconv.ParseBool.
func (cfg ModuleConfig) Bool(key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		return err == nil && parsed
	default:
		return false
	}
}

// StringMap returns a nested map of strings.
func (cfg ModuleConfig) StringMap(key string) map[string]string {
	switch v := cfg[key].(type) {
	case map[string]string:
		return cloneStringMap(v)
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, inner := range v {
			out[k] = fmt.Sprint(inner)
		}
		return out
	default:
		return nil
	}
}

// InstanceID returns the workflow-local identifier used by dependency graphs.
func (ref ModuleRef) InstanceID() string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.ModuleID
}

// Validate ensures the reference is usable.
func (ref ModuleRef) Validate() error {
	if ref.ModuleID == "" {
		return fmt.Errorf("workflow: module id is required")
	}
	deps := append([]string{}, ref.DependsOn...)
	sort.Strings(deps)
	for i := 1; i < len(deps); i++ {
		if deps[i] == deps[i-1] {
			return fmt.Errorf("workflow: module %s has duplicate dependency on %s", ref.InstanceID(), deps[i])
		}
	}
	return nil
}

func mergeDependencies(existing, adds []string) []string {
	set := map[string]struct{}{}
	for _, id := range append(cloneStringSlice(existing), adds...) {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
