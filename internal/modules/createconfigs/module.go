package createconfigs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/configtool"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/modules/runtime"
	"github.com/kingrea/hgcsim/internal/params"
	"github.com/kingrea/hgcsim/internal/workflow"
)

const (
	moduleID      = workflow.FamilyCreateConfigs
	moduleVersion = "1"
)

// ConfigRefID returns the artifact id of a tier config.
func ConfigRefID(tier string) string {
	return "cfg-" + tier
}

// ConfigRef returns the stored config of tier for the given task location.
func ConfigRef(task artifact.Task, tier string) artifact.ArtifactRef {
	return task.File(ConfigRefID(tier), workflow.ConfigFileName(tier), fmt.Sprintf("%s config generated by the config tool", tier))
}

// Task returns the store location of the configs for version and values.
func Task(version string, values params.Values) artifact.Task {
	return artifact.Task{Family: moduleID, Version: version, Hash: values.Hash()}
}

// Module generates one config file per data tier with the config tool.
type Module struct {
	*module.Base
	version string
	values  params.Values
	task    artifact.Task
	configs map[string]artifact.ArtifactRef
}

// Register installs the module factory into the provided registry.
func Register(reg *module.Registry, set *params.Set) {
	if reg == nil {
		return
	}
	reg.MustRegister(moduleID, func(cfg module.Config) (module.Module, error) {
		values, err := set.FromStrings(cfg.StringMap("params"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", moduleID, err)
		}
		return New(cfg.String("version"), values)
	})
}

// New constructs the module with its IO contracts declared.
func New(version string, values params.Values) (*Module, error) {
	if version == "" {
		return nil, fmt.Errorf("%s: version is required", moduleID)
	}
	info := module.Info{
		ID:          moduleID,
		Name:        "Create Configs",
		Description: "Generates the gsd, reco and ntup configs for one set of generator parameters.",
		Version:     moduleVersion,
		Concurrency: module.ConcurrencyProfile{Local: true},
	}
	base := module.NewBase(info)
	task := Task(version, values)
	configs := make(map[string]artifact.ArtifactRef, len(workflow.Tiers))
	refs := make([]artifact.ArtifactRef, 0, len(workflow.Tiers))
	for _, tier := range workflow.Tiers {
		ref := ConfigRef(task, tier)
		configs[tier] = ref
		refs = append(refs, ref)
	}
	base.SetOutputs(refs...)
	return &Module{Base: &base, version: version, values: values.Clone(), task: task, configs: configs}, nil
}

// IsComplete reports whether every tier config is stored.
func (m *Module) IsComplete(mc *module.ModuleContext) (bool, error) {
	return m.OutputsReady(mc)
}

// Run invokes the config tool once per tier inside a staging area and commits
// the configs only after every tier produced exactly one file.
func (m *Module) Run(ctx context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	if complete, err := m.IsComplete(mc); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	} else if complete {
		return module.Result{Status: module.StatusNoOp, Message: "configs already exist"}, nil
	}

	staging, err := mc.Artifacts.Localize(m.Outputs()...)
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	defer staging.Cleanup()

	logger := mc.Log().Zap().With(zap.String("task", moduleID), zap.String("hash", m.task.Hash))
	tool := &configtool.Tool{Command: mc.Config.ConfigToolCommand(), Logger: logger}
	logPath := runtime.LogPath(mc, moduleID+"_"+m.task.Hash)

	for _, tier := range workflow.Tiers {
		tmp, err := os.MkdirTemp(staging.Dir(), tier+"-")
		if err != nil {
			return module.Result{Status: module.StatusFailed}, err
		}
		values := m.values.Dest()
		for key, value := range configtool.FixedValues(tier, tmp, m.values.Int("nevts")) {
			values[key] = value
		}
		cfgs, err := tool.Generate(ctx, values, tmp, logPath)
		if err != nil {
			return module.Result{Status: module.StatusFailed}, fmt.Errorf("%s: tier %s: %w", moduleID, tier, err)
		}
		if len(cfgs) != 1 {
			return module.Result{Status: module.StatusFailed},
				fmt.Errorf("%s: config tool created %d config files for data tier %s, while 1 was expected", moduleID, len(cfgs), tier)
		}
		if err := os.Rename(cfgs[0], staging.Path(m.configs[tier])); err != nil {
			return module.Result{Status: module.StatusFailed}, fmt.Errorf("%s: stage %s config: %w", moduleID, tier, err)
		}
		logger.Debug("tier config generated", zap.String("tier", tier), zap.String("source", filepath.Base(cfgs[0])))
	}

	err = staging.Commit(func(ref artifact.ArtifactRef) artifact.Metadata {
		return runtime.Metadata(mc, moduleID, moduleVersion, ref, runtime.WithNote("params", m.task.Hash))
	})
	if err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	mc.Logbook.Info("%s %s/%s: configs written", moduleID, m.version, m.task.Hash)
	return module.Result{Status: module.StatusCompleted, Message: fmt.Sprintf("configs written to %s", m.task.Hash)}, nil
}
