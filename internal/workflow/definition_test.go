package workflow

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseDefinitionYAMLRejectsMissingModules(t *testing.T) {
	const payload = `
id: missing-modules
modules: []
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when modules are missing")
	}
	if !strings.Contains(err.Error(), "at least one module is required") {
		t.Fatalf("unexpected error for missing modules: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsInvalidDependencyReferences(t *testing.T) {
	const payload = `
id: invalid-dependency
modules:
  - id: "sim.GSDTask:0"
    module: sim.GSDTask
    depends_on: [missing]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when dependency references unknown module")
	}
	if !strings.Contains(err.Error(), "references unknown module") {
		t.Fatalf("unexpected error for dependency reference: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsCycles(t *testing.T) {
	const payload = `
id: cycle
modules:
  - id: a
    module: sim.GSDTask
    depends_on: [b]
  - id: b
    module: sim.RecoTask
    depends_on: [a]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "dependency cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestParseDefinitionYAMLClampsNegativeRuntimeSettings(t *testing.T) {
	const payload = `
id: clamp-runtime
runtime:
  max_parallel: -4
  retries: -1
modules:
  - module: sim.CreateConfigs
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error parsing runtime clamp: %v", err)
	}
	if def.Runtime.MaxParallel != 0 || def.Runtime.Retries != 0 {
		t.Fatalf("runtime should clamp to 0, got %+v", def.Runtime)
	}
}

func TestTopologicalOrderAndDependents(t *testing.T) {
	def := WorkflowDefinition{
		ID: "chain",
		Modules: []ModuleRef{
			{ID: "ntup", ModuleID: FamilyNtup, DependsOn: []string{"reco", "cfg"}},
			{ID: "window", ModuleID: FamilyWindowNtup, DependsOn: []string{"reco", "cfg"}},
			{ID: "reco", ModuleID: FamilyReco, DependsOn: []string{"gsd", "cfg"}},
			{ID: "gsd", ModuleID: FamilyGSD, DependsOn: []string{"cfg"}},
			{ID: "cfg", ModuleID: FamilyCreateConfigs},
		},
	}
	normalized, err := def.Normalized()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	order, err := normalized.TopologicalOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	want := []string{"cfg", "gsd", "reco", "ntup", "window"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order %v", order)
	}
	dependents := normalized.Dependents("reco")
	if strings.Join(dependents, ",") != "ntup,window" {
		t.Fatalf("unexpected dependents %v", dependents)
	}
}

func TestModuleConfigAccessorsSurviveJSON(t *testing.T) {
	cfg := ModuleConfig{
		"branch": 3,
		"params": map[string]string{"nevts": "10"},
		"name":   "gsd",
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ModuleConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if branch, ok := decoded.Int("branch"); !ok || branch != 3 {
		t.Fatalf("expected branch 3, got %d %v", branch, ok)
	}
	if decoded.StringMap("params")["nevts"] != "10" {
		t.Fatalf("expected params map, got %v", decoded.StringMap("params"))
	}
	if decoded.String("name") != "gsd" {
		t.Fatalf("unexpected name %q", decoded.String("name"))
	}
}
