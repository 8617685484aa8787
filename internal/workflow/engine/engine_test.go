package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
	"github.com/kingrea/hgcsim/internal/workflow/scheduler"
)

func TestEngineStartPersistsState(t *testing.T) {
	eng, repo, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(false)
	state, err := eng.Start(mc, StartRequest{Definition: def})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.RunID == "" {
		t.Fatalf("expected run id")
	}
	if len(state.Runnable) != 1 || state.Runnable[0] != "configs" {
		t.Fatalf("unexpected runnable set: %+v", state.Runnable)
	}
	stored, err := repo.Load()
	if err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if stored.RunID != state.RunID {
		t.Fatalf("persisted run id mismatch: %s vs %s", stored.RunID, state.RunID)
	}
}

func TestEngineResumeRefreshesCompletion(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(false)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	stubs["cfg"].setComplete(true)
	state, err := eng.Resume(mc, ResumeRequest{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(state.Runnable) == 0 || state.Runnable[0] != "gsd-0" {
		t.Fatalf("expected gsd-0 runnable after configs completion, got %+v", state.Runnable)
	}
	configs := findModule(state, "configs")
	if configs.State != resolver.NodeStateComplete {
		t.Fatalf("expected configs complete, got %s", configs.State)
	}
}

func TestEngineUpdateRecordsResultsAndFailures(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:     "configs",
		Result: module.Result{Status: module.StatusCompleted, Message: "ok"},
	}}})
	if err != nil {
		t.Fatalf("update complete: %v", err)
	}
	if run, ok := state.Runs["configs"]; !ok || run.Status != module.StatusCompleted {
		t.Fatalf("expected run log for configs, got %+v", state.Runs["configs"])
	}
	stubs["gsd"].setComplete(false)
	state, err = eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:     "gsd-0",
		Result: module.Result{Status: module.StatusFailed, Message: "boom"},
		Err:    errors.New("boom"),
	}}})
	if err != nil {
		t.Fatalf("update failure: %v", err)
	}
	if state.Status != EngineStatusError {
		t.Fatalf("expected engine error after failure, got %s", state.Status)
	}
	if !strings.Contains(state.StatusReason, "gsd-0") {
		t.Fatalf("expected status reason to reference gsd-0, got %q", state.StatusReason)
	}
}

func TestEngineDetectsArtifactInvalidations(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	stubs["cfg"].setOutputs(gsdConfig)
	writeArtifact(t, mc, gsdConfig, stubs["cfg"].info.ID)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	writeArtifact(t, mc, gsdConfig, "other-module")
	state, err := eng.Update(mc, UpdateRequest{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	configs := findModule(state, "configs")
	if configs.State != resolver.NodeStateReady {
		t.Fatalf("expected configs ready after invalidation, got %s", configs.State)
	}
	report, ok := configs.Artifacts[gsdConfig.ID]
	if !ok || report.Status != module.ArtifactStatusInvalid {
		t.Fatalf("expected invalid artifact, got %+v", report)
	}
}

func TestEngineClaimAndReleaseRespectsParallelism(t *testing.T) {
	mc := newTestModuleContext(t)
	def := workflow.WorkflowDefinition{
		ID:      "parallel-workflow",
		Runtime: workflow.WorkflowRuntimeConfig{MaxParallel: 1},
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
		},
	}
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg"),
		"gsd":  newStubModule("gsd"),
		"gsd1": newStubModule("gsd1"),
	}
	stubs["cfg"].setComplete(true)
	eng, repo := newCustomEngine(t, mc, def, stubs)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	claim, err := eng.Claim(mc, ClaimRequest{Limit: 2})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claim.Claims) != 1 {
		t.Fatalf("expected single claim due to parallel limit, got %d", len(claim.Claims))
	}
	if running := claim.State.Runtime.Running(); len(running) != 1 {
		t.Fatalf("expected runtime to track running module, got %+v", running)
	}
	if reason := claim.State.Skipped["gsd-1"]; reason.Reason != scheduler.SkipReasonConcurrency {
		t.Fatalf("expected gsd-1 held by the parallel limit, got %+v", claim.State.Skipped)
	}
	secondClaim, err := eng.Claim(mc, ClaimRequest{Limit: 1})
	if err != nil {
		t.Fatalf("claim while running: %v", err)
	}
	if len(secondClaim.Claims) != 0 {
		t.Fatalf("expected no claims while capacity exhausted, got %+v", secondClaim.Claims)
	}
	firstID := claim.Claims[0].ID
	if _, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:     firstID,
		Result: module.Result{Status: module.StatusCompleted},
	}}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, err := repo.Load()
	if err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if len(state.Runtime.Claims) != 0 {
		t.Fatalf("expected claims cleared after completion, got %+v", state.Runtime.Claims)
	}
	thirdClaim, err := eng.Claim(mc, ClaimRequest{Limit: 1})
	if err != nil {
		t.Fatalf("claim remaining module: %v", err)
	}
	if len(thirdClaim.Claims) != 1 {
		t.Fatalf("expected to claim remaining module, got %d", len(thirdClaim.Claims))
	}
	if _, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:     thirdClaim.Claims[0].ID,
		Result: module.Result{Status: module.StatusFailed},
		Err:    errors.New("boom"),
	}}}); err != nil {
		t.Fatalf("update failure: %v", err)
	}
	state, err = repo.Load()
	if err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if running := state.Runtime.Running(); len(running) != 0 {
		t.Fatalf("expected running set empty after failure, got %+v", running)
	}
}

func TestEngineClaimFiltersRequestedModules(t *testing.T) {
	mc := newTestModuleContext(t)
	def := workflow.WorkflowDefinition{
		ID: "fanout-workflow",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
		},
	}
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg"),
		"gsd":  newStubModule("gsd"),
		"gsd1": newStubModule("gsd1"),
	}
	stubs["cfg"].setComplete(true)
	eng, repo := newCustomEngine(t, mc, def, stubs)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	claim, err := eng.Claim(mc, ClaimRequest{Modules: []string{"gsd-1"}, Limit: 2})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claim.Claims) != 1 || claim.Claims[0].ID != "gsd-1" {
		t.Fatalf("expected single gsd-1 claim, got %+v", claim.Claims)
	}
	if running := claim.State.Runtime.Running(); len(running) != 1 || running[0] != "gsd-1" {
		t.Fatalf("running set mismatch: %+v", running)
	}
	if len(claim.State.Runnable) != 1 || claim.State.Runnable[0] != "gsd-0" {
		t.Fatalf("expected gsd to remain runnable, got %+v", claim.State.Runnable)
	}
	stored, err := repo.Load()
	if err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if running := stored.Runtime.Running(); len(running) != 1 || running[0] != "gsd-1" {
		t.Fatalf("persisted running set mismatch: %+v", running)
	}
}

func TestEngineClaimRecordsBranchBackendAndAttempt(t *testing.T) {
	mc := newTestModuleContext(t)
	gsd := workflow.NodeID("sim.GSDTask", 3)
	def := workflow.WorkflowDefinition{
		ID:      "branch-workflow",
		Runtime: workflow.WorkflowRuntimeConfig{Retries: 1},
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: gsd, ModuleID: "gsd", DependsOn: []string{"configs"}},
		},
	}
	stubs := map[string]*stubModule{
		"cfg": newStubModule("cfg"),
		"gsd": newStubModule("gsd"),
	}
	stubs["cfg"].setComplete(true)
	eng, _ := newCustomEngine(t, mc, def, stubs)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	claim, err := eng.Claim(mc, ClaimRequest{Backend: "htcondor", LocalBackend: "local"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claim.Claims) != 1 {
		t.Fatalf("expected one claim, got %+v", claim.Claims)
	}
	first := claim.Claims[0]
	if first.Family != "sim.GSDTask" || first.Branch != 3 || first.Backend != "htcondor" {
		t.Fatalf("unexpected claim %+v", first)
	}
	if first.Attempt != 1 || first.MaxAttempts != 2 || first.Final() {
		t.Fatalf("expected first of two attempts, got %+v", first)
	}
	state, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:  gsd,
		Err: errors.New("cmsRun exited with status 65"),
	}}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	retry := state.Runtime.Claims[gsd]
	if retry.State != ClaimRetry || retry.Error != "cmsRun exited with status 65" {
		t.Fatalf("expected retry record, got %+v", retry)
	}
	if state.Status != EngineStatusRunning || len(state.Runnable) != 1 {
		t.Fatalf("expected the branch runnable again, got %s %+v", state.Status, state.Runnable)
	}
	if run := state.Runs[gsd]; run.Attempt != 1 {
		t.Fatalf("expected run log for attempt 1, got %+v", run)
	}
	claim, err = eng.Claim(mc, ClaimRequest{Backend: "htcondor"})
	if err != nil {
		t.Fatalf("claim retry: %v", err)
	}
	if len(claim.Claims) != 1 || claim.Claims[0].Attempt != 2 || !claim.Claims[0].Final() {
		t.Fatalf("expected final second attempt, got %+v", claim.Claims)
	}
	state, err = eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{ID: gsd, Err: errors.New("again")}}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if failed := state.Runtime.Failed(); len(failed) != 1 || failed[0] != gsd {
		t.Fatalf("expected %s failed, got %+v", gsd, failed)
	}
	if state.Status != EngineStatusError {
		t.Fatalf("expected error status, got %s", state.Status)
	}
}

func TestEngineManualGateRequiresApproval(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	def.Runtime.ManualGates = []string{"gsd-0"}
	state, err := eng.Start(mc, StartRequest{Definition: def})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(state.Runnable) != 0 {
		t.Fatalf("expected no runnable modules while gate pending, got %+v", state.Runnable)
	}
	reason, ok := state.Skipped["gsd-0"]
	if !ok || reason.Reason != scheduler.SkipReasonManualGate {
		t.Fatalf("expected manual gate skip, got %+v", state.Skipped)
	}
	if state.Status != EngineStatusAwaitingApproval || !strings.Contains(state.StatusReason, "gsd-0") {
		t.Fatalf("expected awaiting approval on gsd-0, got %s (%s)", state.Status, state.StatusReason)
	}
	if _, err := eng.Approve(mc, ApproveRequest{Nodes: []string{"reco-0"}}); err == nil {
		t.Fatalf("expected error approving an ungated node")
	}
	state, err = eng.Approve(mc, ApproveRequest{Nodes: []string{"gsd-0"}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(state.Runnable) != 1 || state.Runnable[0] != "gsd-0" {
		t.Fatalf("expected gsd runnable after approval, got %+v", state.Runnable)
	}
	if _, blocked := state.Skipped["gsd-0"]; blocked {
		t.Fatalf("expected manual gate cleared, got skips: %+v", state.Skipped)
	}
	state, err = eng.Resume(mc, ResumeRequest{ResetFailures: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(state.Runtime.Approved) != 1 || state.Status != EngineStatusRunning {
		t.Fatalf("expected approval to survive resume, got %+v %s", state.Runtime.Approved, state.Status)
	}
}

func TestEngineApproveFamilyReleasesEveryBranch(t *testing.T) {
	mc := newTestModuleContext(t)
	def := workflow.WorkflowDefinition{
		ID:      "gated-workflow",
		Runtime: workflow.WorkflowRuntimeConfig{ManualGates: []string{"sim.RecoTask"}},
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: workflow.NodeID("sim.RecoTask", 0), ModuleID: "reco", DependsOn: []string{"configs"}},
			{ID: workflow.NodeID("sim.RecoTask", 1), ModuleID: "reco1", DependsOn: []string{"configs"}},
		},
	}
	stubs := map[string]*stubModule{
		"cfg":   newStubModule("cfg"),
		"reco":  newStubModule("reco"),
		"reco1": newStubModule("reco1"),
	}
	stubs["cfg"].setComplete(true)
	eng, _ := newCustomEngine(t, mc, def, stubs)
	state, err := eng.Start(mc, StartRequest{Definition: def})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(state.Runnable) != 0 || len(state.Skipped) != 2 {
		t.Fatalf("expected both branches gated, got %+v %+v", state.Runnable, state.Skipped)
	}
	state, err = eng.Approve(mc, ApproveRequest{Nodes: []string{"sim.RecoTask"}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(state.Runnable) != 2 {
		t.Fatalf("expected both branches runnable, got %+v", state.Runnable)
	}
}

func TestEngineResumeAppliesRuntime(t *testing.T) {
	mc := newTestModuleContext(t)
	def := workflow.WorkflowDefinition{
		ID:      "resume-workflow",
		Runtime: workflow.WorkflowRuntimeConfig{MaxParallel: 1, Backend: "local"},
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd", DependsOn: []string{"configs"}},
			{ID: "gsd-1", ModuleID: "gsd1", DependsOn: []string{"configs"}},
		},
	}
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg"),
		"gsd":  newStubModule("gsd"),
		"gsd1": newStubModule("gsd1"),
	}
	stubs["cfg"].setComplete(true)
	eng, repo := newCustomEngine(t, mc, def, stubs)
	state, err := eng.Start(mc, StartRequest{Definition: def})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(state.Runnable) != 1 {
		t.Fatalf("expected one runnable node at max parallel 1, got %+v", state.Runnable)
	}
	rt := workflow.WorkflowRuntimeConfig{MaxParallel: 4, Backend: "htcondor"}
	state, err = eng.Resume(mc, ResumeRequest{Runtime: &rt})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(state.Runnable) != 2 {
		t.Fatalf("expected both branches runnable, got %+v", state.Runnable)
	}
	stored, err := repo.Load()
	if err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if stored.RunID != state.RunID || stored.Definition.Runtime.Backend != "htcondor" {
		t.Fatalf("expected new runtime persisted under the same run, got %+v", stored.Definition.Runtime)
	}
}

func TestEngineDoesNotReclaimFailedNodes(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	claim, err := eng.Claim(mc, ClaimRequest{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claim.Claims) != 1 || claim.Claims[0].ID != "gsd-0" {
		t.Fatalf("expected gsd-0 claim, got %+v", claim.Claims)
	}
	state, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:     "gsd-0",
		Result: module.Result{Status: module.StatusFailed},
		Err:    errors.New("cmsRun exited with status 65"),
	}}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if failed := state.Runtime.Failed(); len(failed) != 1 || failed[0] != "gsd-0" {
		t.Fatalf("expected gsd-0 recorded as failed, got %+v", failed)
	}
	if reason, ok := state.Skipped["gsd-0"]; !ok || reason.Reason != scheduler.SkipReasonFailed {
		t.Fatalf("expected failed skip, got %+v", state.Skipped)
	}
	if state.Status != EngineStatusError {
		t.Fatalf("expected error status, got %s", state.Status)
	}
	again, err := eng.Claim(mc, ClaimRequest{})
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again.Claims) != 0 {
		t.Fatalf("failed node must not be reclaimed, got %+v", again.Claims)
	}
}

func TestEngineResumeResetsFailures(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.Update(mc, UpdateRequest{Results: []ModuleStatusUpdate{{
		ID:  "gsd-0",
		Err: errors.New("boom"),
	}}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, err := eng.Resume(mc, ResumeRequest{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if failed := state.Runtime.Failed(); len(failed) != 1 {
		t.Fatalf("plain resume keeps failures, got %+v", failed)
	}
	state, err = eng.Resume(mc, ResumeRequest{ResetFailures: true})
	if err != nil {
		t.Fatalf("resume with reset: %v", err)
	}
	if len(state.Runtime.Claims) != 0 {
		t.Fatalf("expected failures cleared, got %+v", state.Runtime.Claims)
	}
	if len(state.Runnable) != 1 || state.Runnable[0] != "gsd-0" {
		t.Fatalf("expected gsd-0 runnable again, got %+v", state.Runnable)
	}
	if state.Status != EngineStatusRunning {
		t.Fatalf("expected running status, got %s", state.Status)
	}
}

func TestEngineResumeDropsRunningClaims(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["cfg"].setComplete(true)
	if _, err := eng.Start(mc, StartRequest{Definition: def}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.Claim(mc, ClaimRequest{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	state, err := eng.Resume(mc, ResumeRequest{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if running := state.Runtime.Running(); len(running) != 0 {
		t.Fatalf("expected no running claims after restart, got %+v", running)
	}
	if len(state.Runnable) != 1 || state.Runnable[0] != "gsd-0" {
		t.Fatalf("expected gsd-0 claimable again, got %+v", state.Runnable)
	}
}

func TestEngineCompletesWhenUpstreamReleased(t *testing.T) {
	eng, _, mc, stubs, def := newEngineHarness(t)
	stubs["reco"].setComplete(true)
	state, err := eng.Start(mc, StartRequest{Definition: def})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.Status != EngineStatusComplete {
		t.Fatalf("expected complete status with purged upstream, got %s (%s)", state.Status, state.StatusReason)
	}
	if gsd := findModule(state, "gsd-0"); gsd.State != resolver.NodeStateReleased {
		t.Fatalf("expected gsd-0 released, got %s", gsd.State)
	}
}

func findModule(state State, id string) ModuleStatus {
	for _, mod := range state.Nodes {
		if mod.ID == id {
			return mod
		}
	}
	return ModuleStatus{}
}

func newEngineHarness(t *testing.T) (*Engine, *Repository, *module.ModuleContext, map[string]*stubModule, workflow.WorkflowDefinition) {
	t.Helper()
	mc := newTestModuleContext(t)
	repo := NewRepository(t.TempDir())
	reg := module.NewRegistry()
	stubs := map[string]*stubModule{
		"cfg":  newStubModule("cfg"),
		"gsd":  newStubModule("gsd"),
		"reco": newStubModule("reco"),
	}
	for id, stub := range stubs {
		stub := stub
		reg.MustRegister(id, func(module.Config) (module.Module, error) {
			return stub, nil
		})
	}
	clock := &testClock{value: time.Unix(0, 0)}
	eng, err := New(reg, repo, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	def := workflow.WorkflowDefinition{
		ID: "test-workflow",
		Modules: []workflow.ModuleRef{
			{ID: "configs", ModuleID: "cfg"},
			{ID: "gsd-0", ModuleID: "gsd", DependsOn: []string{"configs"}},
			{ID: "reco-0", ModuleID: "reco", DependsOn: []string{"gsd-0"}},
		},
	}
	return eng, repo, mc, stubs, def
}

func newCustomEngine(t *testing.T, mc *module.ModuleContext, def workflow.WorkflowDefinition, stubs map[string]*stubModule) (*Engine, *Repository) {
	reg := module.NewRegistry()
	for id, stub := range stubs {
		stub := stub
		id := id
		reg.MustRegister(id, func(module.Config) (module.Module, error) {
			return stub, nil
		})
	}
	repo := NewRepository(t.TempDir())
	clock := &testClock{value: time.Unix(0, 0)}
	eng, err := New(reg, repo, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, repo
}

type testClock struct {
	value time.Time
}

func (c *testClock) Now() time.Time {
	c.value = c.value.Add(time.Second)
	return c.value
}

var gsdConfig = artifact.Task{Family: workflow.FamilyCreateConfigs, Version: "v1", Hash: "0123456789"}.
	File("cfg-gsd", "gsd_cfg.py", "GSD configuration")

func newTestModuleContext(t *testing.T) *module.ModuleContext {
	t.Helper()
	layout := workflow.NewLayout(t.TempDir())
	return &module.ModuleContext{
		Layout:    layout,
		Artifacts: artifact.NewStore(layout),
	}
}

type stubModule struct {
	info     module.Info
	complete bool
	err      error
	outputs  []artifact.ArtifactRef
}

func newStubModule(id string) *stubModule {
	return &stubModule{
		info: module.Info{
			ID:      id,
			Name:    "stub " + id,
			Version: "1.0.0",
		},
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

func (m *stubModule) setComplete(value bool) {
	m.complete = value
}

func (m *stubModule) setOutputs(refs ...artifact.ArtifactRef) {
	m.outputs = append([]artifact.ArtifactRef{}, refs...)
}

func writeArtifact(t *testing.T, mc *module.ModuleContext, ref artifact.ArtifactRef, moduleID string) {
	t.Helper()
	meta := artifact.Metadata{
		ArtifactID: ref.ID,
		ModuleID:   moduleID,
		Version:    "1.0.0",
		Workflow:   "test-workflow",
	}
	if err := mc.Artifacts.Write(ref, []byte("body"), meta); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}
