package scheduler

import (
	"context"
	"testing"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
)

func TestSchedulerReturnsConcurrentReadyNodes(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd0": newStubModule("gsd0", false, nil),
		"gsd1": newStubModule("gsd1", false, nil),
	}
	def := workflow.WorkflowDefinition{
		ID: "test",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd0", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
		},
	}
	sched := buildScheduler(t, stubs, def)
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(batch.Nodes))
	}
	if batch.Nodes[0].ID != "gsd-0" || batch.Nodes[1].ID != "gsd-1" {
		t.Fatalf("unexpected order: %v", []string{batch.Nodes[0].ID, batch.Nodes[1].ID})
	}
}

func TestSchedulerSkipsInvalidArtifacts(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd0": newStubModule("gsd0", false, nil),
	}
	cfgRef := artifact.Task{Family: "cfg", Version: "v1", Hash: "abc"}.File("cfg-gsd", "gsd_cfg.py", "")
	stubs["cfg"].outputs = []artifact.ArtifactRef{cfgRef}
	def := workflow.WorkflowDefinition{
		ID: "test",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd0", DependsOn: []string{"configs"}},
		},
	}
	res, ctx := buildResolverForTest(t, stubs, def)
	meta := artifact.Metadata{
		ArtifactID: cfgRef.ID,
		ModuleID:   "other-module",
		Version:    stubs["cfg"].info.Version,
	}
	if err := ctx.Artifacts.Write(cfgRef, []byte("body"), meta); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := res.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	sched, err := New(res)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	node, ok := res.Node("configs")
	if !ok {
		t.Fatalf("missing configs node")
	}
	report, ok := node.Artifacts[cfgRef.ID]
	if !ok {
		t.Fatalf("expected artifact report for gsd config")
	}
	if report.Status != module.ArtifactStatusInvalid {
		t.Fatalf("expected invalid artifact status, got %s", report.Status)
	}
	if node.State != resolver.NodeStateReady {
		t.Fatalf("expected configs marked ready for rerun, got %s", node.State)
	}
	batch, err := sched.Runnable(RunnableRequest{})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "configs" {
		t.Fatalf("expected configs to rerun, got %+v", batch.Nodes)
	}
	if reason := batch.Skipped["gsd-0"]; reason.Reason != SkipReasonNotReady {
		t.Fatalf("expected gsd-0 to wait for configs, got %+v", batch.Skipped)
	}
}

func TestSchedulerReportsHolds(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":   newStubModule("cfg", true, nil),
		"gsd0":  newStubModule("gsd0", false, nil),
		"gsd1": newStubModule("gsd1", false, nil),
		"reco0": newStubModule("reco0", false, nil),
	}
	def := workflow.WorkflowDefinition{
		ID: "test",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd0", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
			{ID: "reco-0", ModuleID: "reco0", DependsOn: []string{"configs"}},
		},
	}
	sched := buildScheduler(t, stubs, def)
	holds := map[string]SkipReason{
		"gsd-0":  {Reason: SkipReasonActive},
		"gsd-1":  {Reason: SkipReasonFailed, Detail: "exit status 1"},
		"reco-0": {Reason: SkipReasonManualGate},
	}
	batch, err := sched.Runnable(RunnableRequest{Holds: holds})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 {
		t.Fatalf("expected every node held, got %+v", batch.Nodes)
	}
	for id, want := range holds {
		if got := batch.Skipped[id]; got != want {
			t.Fatalf("skip for %s = %+v, want %+v", id, got, want)
		}
	}
	delete(holds, "reco-0")
	batch, err = sched.Runnable(RunnableRequest{Holds: holds})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "reco-0" {
		t.Fatalf("expected reco-0 once released, got %+v", batch.Nodes)
	}
}

func TestSchedulerEnforcesParallelLimit(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd0": newStubModule("gsd0", false, nil),
		"gsd1": newStubModule("gsd1", false, nil),
		"gsd2": newStubModule("gsd2", false, nil),
	}
	def := workflow.WorkflowDefinition{
		ID: "test",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd0", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
			{ID: "gsd-2", ModuleID: "gsd2", DependsOn: []string{"configs"}},
		},
	}
	sched := buildScheduler(t, stubs, def)
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2, MaxParallel: 1})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "gsd-0" {
		t.Fatalf("expected single runnable node respecting limit, got %+v", batch.Nodes)
	}
	if reason := batch.Skipped["gsd-1"]; reason.Reason != SkipReasonConcurrency {
		t.Fatalf("expected concurrency skip, got %+v", reason)
	}
	batch, err = sched.Runnable(RunnableRequest{
		MaxParallel: 2,
		Active:      1,
		Holds:       map[string]SkipReason{"gsd-0": {Reason: SkipReasonActive}},
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "gsd-1" {
		t.Fatalf("expected one slot left beside the active node, got %+v", batch.Nodes)
	}
	batch, err = sched.Runnable(RunnableRequest{MaxParallel: 1, Active: 1})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 {
		t.Fatalf("expected zero runnable nodes when capacity exhausted")
	}
	if reason := batch.Skipped["gsd-2"]; reason.Reason != SkipReasonConcurrency || reason.Detail != "max parallel 1 reached" {
		t.Fatalf("unexpected skip reason %+v", reason)
	}
}

func TestSchedulerBatchSizeCapsBatch(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd0": newStubModule("gsd0", false, nil),
		"gsd1": newStubModule("gsd1", false, nil),
	}
	def := workflow.WorkflowDefinition{
		ID: "test",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd0", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
		},
	}
	sched := buildScheduler(t, stubs, def)
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 1, MaxParallel: 4})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 {
		t.Fatalf("expected batch capped at 1, got %d", len(batch.Nodes))
	}
	if reason := batch.Skipped["gsd-1"]; reason.Detail != "batch size 1" {
		t.Fatalf("unexpected skip reason %+v", reason)
	}
}

func buildScheduler(t *testing.T, stubs map[string]*stubModule, def workflow.WorkflowDefinition) *Scheduler {
	t.Helper()
	res, ctx := buildResolverForTest(t, stubs, def)
	if err := res.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	sched, err := New(res)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func buildResolverForTest(t *testing.T, stubs map[string]*stubModule, def workflow.WorkflowDefinition) (*resolver.Resolver, *module.ModuleContext) {
	t.Helper()
	reg := module.NewRegistry()
	for id, stub := range stubs {
		stub := stub
		reg.MustRegister(id, func(module.Config) (module.Module, error) {
			return stub, nil
		})
	}
	res, err := resolver.New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return res, newTestModuleContext(t)
}

func newTestModuleContext(t *testing.T) *module.ModuleContext {
	t.Helper()
	layout := workflow.NewLayout(t.TempDir())
	return &module.ModuleContext{
		Layout:    layout,
		Artifacts: artifact.NewStore(layout),
	}
}

type stubModule struct {
	info         module.Info
	complete     bool
	err          error
	outputs      []artifact.ArtifactRef
	fingerprints map[string]string
}

func newStubModule(id string, complete bool, err error) *stubModule {
	return &stubModule{
		info:     module.Info{ID: id, Name: "stub " + id, Version: "1.0.0"},
		complete: complete,
		err:      err,
	}
}

func (m *stubModule) Info() module.Info { return m.info }

func (m *stubModule) Inputs() []artifact.ArtifactRef { return nil }

func (m *stubModule) Outputs() []artifact.ArtifactRef {
	if len(m.outputs) == 0 {
		return nil
	}
	out := make([]artifact.ArtifactRef, len(m.outputs))
	copy(out, m.outputs)
	return out
}

func (m *stubModule) IsComplete(*module.ModuleContext) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.complete, nil
}

func (m *stubModule) Run(context.Context, *module.ModuleContext) (module.Result, error) {
	return module.Result{Status: module.StatusCompleted}, nil
}

func (m *stubModule) ArtifactFingerprints(*module.ModuleContext) (map[string]string, error) {
	if len(m.fingerprints) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m.fingerprints))
	for key, value := range m.fingerprints {
		out[key] = value
	}
	return out, nil
}
