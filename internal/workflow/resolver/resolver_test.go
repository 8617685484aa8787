package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
)

func TestResolverRefreshSetsStates(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd":  newStubModule("gsd", false, nil),
		"reco": newStubModule("reco", false, nil),
	}
	resolver := buildResolver(t, stubs)
	mc := newTestModuleContext(t)

	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	cfg := mustNode(t, resolver, "configs")
	gsd := mustNode(t, resolver, "gsd-0")
	reco := mustNode(t, resolver, "reco-0")

	if cfg.State != NodeStateComplete {
		t.Fatalf("expected configs complete, got %s", cfg.State)
	}
	if gsd.State != NodeStateReady {
		t.Fatalf("expected gsd ready, got %s", gsd.State)
	}
	if reco.State != NodeStateBlocked {
		t.Fatalf("expected reco blocked, got %s", reco.State)
	}
	if len(reco.BlockedBy) != 1 || reco.BlockedBy[0] != "gsd-0" {
		t.Fatalf("reco blocked by %+v", reco.BlockedBy)
	}

	ready := resolver.Ready()
	if len(ready) != 1 || ready[0].ID != "gsd-0" {
		t.Fatalf("unexpected ready set: %#v", ready)
	}
}

func TestResolverQueueTargetsOrdersDependencies(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", false, nil),
		"gsd":  newStubModule("gsd", false, nil),
		"reco": newStubModule("reco", false, nil),
	}
	resolver := buildResolver(t, stubs)
	mc := newTestModuleContext(t)

	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	queue, err := resolver.Queue("reco-0")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued modules, got %d", len(queue))
	}
	if queue[0].ID != "configs" || queue[1].ID != "gsd-0" || queue[2].ID != "reco-0" {
		t.Fatalf("unexpected order: %s -> %s -> %s", queue[0].ID, queue[1].ID, queue[2].ID)
	}
	if _, err := resolver.Queue("nope"); err == nil {
		t.Fatalf("expected unknown target error")
	}
}

func TestResolverReleasesCleanedUpstream(t *testing.T) {
	// gsd and configs are gone, reco is done: nothing upstream is needed.
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", false, nil),
		"gsd":  newStubModule("gsd", false, nil),
		"reco": newStubModule("reco", true, nil),
	}
	resolver := buildResolver(t, stubs)
	if err := resolver.Refresh(newTestModuleContext(t)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, id := range []string{"configs", "gsd-0"} {
		if state := mustNode(t, resolver, id).State; state != NodeStateReleased {
			t.Fatalf("expected %s released, got %s", id, state)
		}
	}
	queue, err := resolver.Queue("reco-0")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected empty queue, got %d nodes", len(queue))
	}
	if len(resolver.Ready()) != 0 {
		t.Fatalf("released nodes must not be runnable")
	}
}

func TestResolverKeepsUpstreamWhileAnyConsumerPending(t *testing.T) {
	reg := module.NewRegistry()
	stubs := map[string]*stubModule{
		"cfg":    newStubModule("cfg", true, nil),
		"reco":   newStubModule("reco", false, nil),
		"ntup":   newStubModule("ntup", true, nil),
		"window": newStubModule("window", false, nil),
	}
	register(reg, stubs)
	def := workflow.WorkflowDefinition{
		ID: "two-consumers",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "reco-0", ModuleID: "reco", DependsOn: []string{"configs"}},
			{ID: "ntup-0", ModuleID: "ntup", DependsOn: []string{"reco-0"}},
			{ID: "window-0", ModuleID: "window", DependsOn: []string{"reco-0"}},
		},
	}
	resolver, err := New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if err := resolver.Refresh(newTestModuleContext(t)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if state := mustNode(t, resolver, "reco-0").State; state != NodeStateReady {
		t.Fatalf("expected reco ready while window pending, got %s", state)
	}
	if state := mustNode(t, resolver, "window-0").State; state != NodeStateBlocked {
		t.Fatalf("expected window blocked, got %s", state)
	}
}

func TestResolverRefreshPropagatesErrors(t *testing.T) {
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg", true, nil),
		"gsd":  newStubModule("gsd", false, errors.New("boom")),
		"reco": newStubModule("reco", false, nil),
	}
	resolver := buildResolver(t, stubs)
	mc := newTestModuleContext(t)

	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	gsd := mustNode(t, resolver, "gsd-0")
	if gsd.State != NodeStateError {
		t.Fatalf("expected gsd error state, got %s", gsd.State)
	}
	if gsd.Err == nil || gsd.Err.Error() != "boom" {
		t.Fatalf("unexpected gsd error: %v", gsd.Err)
	}
	reco := mustNode(t, resolver, "reco-0")
	if reco.State != NodeStateBlocked {
		t.Fatalf("expected reco blocked by error, got %s", reco.State)
	}
	if len(reco.BlockedBy) != 1 || reco.BlockedBy[0] != "gsd-0" {
		t.Fatalf("unexpected reco blockers: %+v", reco.BlockedBy)
	}
}

func TestCheckArtifactDetectsFingerprintMismatch(t *testing.T) {
	mc := newTestModuleContext(t)
	task := artifact.Task{Family: "gsd", Version: "v1", Hash: "abc"}
	ref := task.File("gsd", "gsd_0.root", "")
	stub := newStubModule("gsd", false, nil)
	stub.outputs = []artifact.ArtifactRef{ref}
	stub.fingerprint = "new"

	reg := module.NewRegistry()
	register(reg, map[string]*stubModule{"gsd": stub})
	resolver, err := New(workflow.WorkflowDefinition{
		ID:      "fp",
		Modules: []workflow.ModuleRef{{ID: "gsd-0", ModuleID: "gsd"}},
	}, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	meta := artifact.Metadata{
		ModuleID: "gsd",
		Version:  "1.0.0",
		Notes:    map[string]string{module.FingerprintNoteKey("gsd"): "old"},
	}
	if err := mc.Artifacts.Write(ref, []byte("events"), meta); err != nil {
		t.Fatalf("write: %v", err)
	}
	stub.complete = true
	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node := mustNode(t, resolver, "gsd-0")
	if node.State != NodeStateReady {
		t.Fatalf("outdated outputs must make the node runnable, got %s", node.State)
	}
	report := node.Artifacts["gsd"]
	if report.Status != module.ArtifactStatusOutdated {
		t.Fatalf("expected outdated, got %s", report.Status)
	}
	if len(stub.invalidations) != 1 || stub.invalidations[0] != module.InvalidationReasonFingerprint {
		t.Fatalf("unexpected invalidations: %+v", stub.invalidations)
	}
}

func register(reg *module.Registry, stubs map[string]*stubModule) {
	for id, stub := range stubs {
		stub := stub
		reg.MustRegister(id, func(module.Config) (module.Module, error) {
			return stub, nil
		})
	}
}

func buildResolver(t *testing.T, stubs map[string]*stubModule) *Resolver {
	t.Helper()
	reg := module.NewRegistry()
	register(reg, stubs)
	def := workflow.WorkflowDefinition{
		ID: "test-workflow",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd", DependsOn: []string{"configs"}},
			{ID: "reco-0", ModuleID: "reco", DependsOn: []string{"gsd-0"}},
		},
	}
	resolver, err := New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func newTestModuleContext(t *testing.T) *module.ModuleContext {
	t.Helper()
	layout := workflow.NewLayout(t.TempDir())
	return &module.ModuleContext{
		Layout:    layout,
		Artifacts: artifact.NewStore(layout),
	}
}

func mustNode(t *testing.T, resolver *Resolver, id string) *Node {
	t.Helper()
	node, ok := resolver.Node(id)
	if !ok {
		t.Fatalf("missing node %s", id)
	}
	return node
}

type stubModule struct {
	info          module.Info
	complete      bool
	err           error
	outputs       []artifact.ArtifactRef
	fingerprint   string
	invalidations []module.ArtifactInvalidationReason
}

func newStubModule(id string, complete bool, err error) *stubModule {
	return &stubModule{
		info: module.Info{
			ID:      id,
			Name:    "stub " + id,
			Version: "1.0.0",
		},
		complete: complete,
		err:      err,
	}
}

func (m *stubModule) Info() module.Info {
	return m.info
}

func (m *stubModule) Inputs() []artifact.ArtifactRef {
	return nil
}

func (m *stubModule) Outputs() []artifact.ArtifactRef {
	return m.outputs
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
	if m.fingerprint == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, ref := range m.outputs {
		out[ref.ID] = m.fingerprint
	}
	return out, nil
}

func (m *stubModule) OnArtifactInvalidation(_ *module.ModuleContext, event module.ArtifactInvalidation) error {
	m.invalidations = append(m.invalidations, event.Reason)
	return nil
}
