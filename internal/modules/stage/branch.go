package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/cmsrun"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/modules/createconfigs"
	"github.com/kingrea/hgcsim/internal/modules/runtime"
	"github.com/kingrea/hgcsim/internal/workflow"
)

const branchModuleVersion = "1"

// Branch runs cmsRun for one branch of a stage.
type Branch struct {
	*module.Base
	def    Definition
	prev   *Definition
	opts   Options
	branch int

	config  artifact.ArtifactRef
	inputs  map[string]artifact.ArtifactRef
	outputs map[string]artifact.ArtifactRef
}

// NewBranch builds branch of def. prev must be the definition named by
// def.Previous, or nil for a first stage.
func NewBranch(def Definition, prev *Definition, opts Options, branch int) (*Branch, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", def.ID, err)
	}
	if branch < 0 || branch >= opts.NTasks {
		return nil, fmt.Errorf("%s: branch %d out of range [0, %d)", def.ID, branch, opts.NTasks)
	}
	if (def.Previous == "") != (prev == nil) || (prev != nil && prev.ID != def.Previous) {
		return nil, fmt.Errorf("%s: previous stage mismatch", def.ID)
	}
	info := module.Info{
		ID:          def.ID,
		Name:        fmt.Sprintf("%s branch %d", def.DisplayName(), branch),
		Description: fmt.Sprintf("Runs cmsRun for branch %d of %d.", branch, opts.NTasks),
		Version:     branchModuleVersion,
	}
	base := module.NewBase(info)
	b := &Branch{
		Base:    &base,
		def:     def,
		prev:    prev,
		opts:    opts,
		branch:  branch,
		inputs:  map[string]artifact.ArtifactRef{},
		outputs: map[string]artifact.ArtifactRef{},
	}

	if def.Config.Tier != "" {
		b.config = createconfigs.ConfigRef(createconfigs.Task(opts.Version, opts.Values), def.Config.Tier)
	} else {
		b.config = artifact.External("cfg", def.Config.Path)
	}
	inputs := []artifact.ArtifactRef{b.config}
	if prev != nil {
		prevTask := stageTask(prev.ID, opts)
		for _, out := range prev.Outputs {
			if def.InputKey != "" && out.Key != def.InputKey {
				continue
			}
			ref := branchRef(prevTask, out, branch)
			b.inputs[out.Key] = ref
			inputs = append(inputs, ref)
		}
	}
	task := stageTask(def.ID, opts)
	outputs := make([]artifact.ArtifactRef, 0, len(def.Outputs))
	for _, out := range def.Outputs {
		ref := branchRef(task, out, branch)
		b.outputs[out.Key] = ref
		outputs = append(outputs, ref)
	}
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	return b, nil
}

func stageTask(family string, opts Options) artifact.Task {
	return artifact.Task{Family: family, Version: opts.Version, Hash: opts.Values.Hash()}
}

func branchRef(task artifact.Task, out Output, branch int) artifact.ArtifactRef {
	return task.File(out.Key, workflow.BranchFileName(out.Pattern, branch), fmt.Sprintf("%s output of branch %d", out.Key, branch))
}

// Branch returns the branch number.
func (b *Branch) Branch() int {
	return b.branch
}

// NodeID returns the workflow node id of the branch.
func (b *Branch) NodeID() string {
	return workflow.NodeID(b.def.ID, b.branch)
}

// CleansInputs implements module.InputCleaner.
func (b *Branch) CleansInputs() bool {
	return b.def.Cleanup
}

// Retained reports whether Purge leaves the outputs in place.
func (b *Branch) Retained() bool {
	return b.opts.Retain
}

// IsComplete reports whether every output of the branch is stored.
func (b *Branch) IsComplete(mc *module.ModuleContext) (bool, error) {
	return b.OutputsReady(mc)
}

// ArtifactFingerprints implements module.Fingerprinter.
func (b *Branch) ArtifactFingerprints(*module.ModuleContext) (map[string]string, error) {
	fp := b.opts.Fingerprint(b.branch)
	out := make(map[string]string, len(b.outputs))
	for key := range b.outputs {
		out[key] = fp
	}
	return out, nil
}

// OnArtifactInvalidation removes stale outputs so the rerun starts clean.
func (b *Branch) OnArtifactInvalidation(mc *module.ModuleContext, event module.ArtifactInvalidation) error {
	switch event.Reason {
	case module.InvalidationReasonInvalidMetadata, module.InvalidationReasonVersionMismatch, module.InvalidationReasonFingerprint:
	default:
		return nil
	}
	if mc == nil || mc.Artifacts == nil {
		return nil
	}
	mc.Log().Debug("removing stale output",
		zap.String("node", b.NodeID()),
		zap.String("artifact", event.Artifact.ID),
		zap.String("reason", string(event.Reason)))
	return mc.Artifacts.Remove(event.Artifact)
}

// Purge implements module.Purger. Retained branches keep their outputs.
func (b *Branch) Purge(mc *module.ModuleContext) error {
	if b.opts.Retain {
		return nil
	}
	return b.PurgeOutputs(mc)
}

// Run executes cmsRun in a staging area and commits the outputs on success.
func (b *Branch) Run(ctx context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(b.def.ID, mc); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	if complete, err := b.IsComplete(mc); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	} else if complete {
		return module.Result{Status: module.StatusNoOp, Message: "outputs already exist"}, nil
	}
	node := b.NodeID()

	cfgPath, err := b.configPath(mc)
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	if err := runtime.RequireInputs(mc, node, b.Inputs()...); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}

	staging, err := mc.Artifacts.Localize(b.Outputs()...)
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	defer staging.Cleanup()

	vars, err := b.templateVars(mc, staging)
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	args := make(map[string]string, len(b.def.Args))
	for key, tmpl := range b.def.Args {
		value, err := Render(tmpl, vars)
		if err != nil {
			return module.Result{Status: module.StatusFailed}, fmt.Errorf("%s: arg %s: %w", node, key, err)
		}
		args[key] = value
	}

	logger := mc.Log().Zap().With(zap.String("stage", b.def.ID), zap.Int("branch", b.branch))
	runner := &cmsrun.Runner{Executable: mc.Config.Project.CMSSW.CMSRun, Logger: logger}
	res, err := runner.Run(ctx, cmsrun.Request{
		Node:    node,
		Config:  cfgPath,
		Args:    args,
		Dir:     staging.Dir(),
		LogPath: runtime.LogPath(mc, node),
		Events:  b.opts.Events(),
		Progress: func(done, total int) {
			mc.ReportProgress(node, done, total)
		},
	})
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}

	fp := b.opts.Fingerprint(b.branch)
	inputs := b.Inputs()
	err = staging.Commit(func(ref artifact.ArtifactRef) artifact.Metadata {
		return runtime.Metadata(mc, b.def.ID, branchModuleVersion, ref,
			runtime.WithInputs(inputs...),
			runtime.WithFingerprint(ref, fp),
			runtime.WithNote(KeyBranch, strconv.Itoa(b.branch)),
			runtime.WithNote(KeyNTasks, strconv.Itoa(b.opts.NTasks)),
		)
	})
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	mc.Logbook.Info("%s: %d events in %s", node, res.Events, res.Duration.Round(time.Millisecond))
	return module.Result{Status: module.StatusCompleted, Message: fmt.Sprintf("%d events", res.Events)}, nil
}

func (b *Branch) configPath(mc *module.ModuleContext) (string, error) {
	if b.def.Config.Tier != "" {
		return mc.Artifacts.Path(b.config)
	}
	path := runtime.ExpandPath(mc, b.def.Config.Path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: config %s does not exist", b.NodeID(), path)
		}
		return "", fmt.Errorf("%s: config %s: %w", b.NodeID(), path, err)
	}
	return path, nil
}

func (b *Branch) templateVars(mc *module.ModuleContext, staging *artifact.Staging) (map[string]string, error) {
	vars := map[string]string{
		"branch": strconv.Itoa(b.branch),
		"seed":   strconv.Itoa(b.opts.BranchSeed(b.branch)),
		"events": strconv.Itoa(b.opts.Events()),
	}
	for key, ref := range b.inputs {
		path, err := mc.Artifacts.Path(ref)
		if err != nil {
			return nil, err
		}
		vars["input."+key] = path
	}
	for key, ref := range b.outputs {
		vars["output."+key] = staging.Path(ref)
	}
	return vars, nil
}
