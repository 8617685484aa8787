package module

import (
	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/logbook"
	"github.com/kingrea/hgcsim/internal/logging"
	"github.com/kingrea/hgcsim/internal/workflow"
)

// ProgressReporter receives event-count progress of a running node.
type ProgressReporter interface {
	Report(node string, done, total int)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(node string, done, total int)

// Report implements ProgressReporter.
func (f ProgressFunc) Report(node string, done, total int) {
	if f != nil {
		f(node, done, total)
	}
}

// ModuleContext carries shared runtime dependencies into every module.
type ModuleContext struct {
	Config    *config.Config
	Layout    *workflow.Layout
	Logbook   *logbook.Logbook
	Logger    *logging.Logger
	Artifacts *artifact.Store
	Progress  ProgressReporter
	// Workflow is the definition id recorded in artifact provenance.
	Workflow string
}

// NewContext builds a ModuleContext with a fresh artifact store rooted at the
// configured store.
func NewContext(cfg *config.Config, lb *logbook.Logbook, logger *logging.Logger) *ModuleContext {
	layout := workflow.NewLayout(cfg.StoreRoot())
	return &ModuleContext{
		Config:    cfg,
		Layout:    layout,
		Logbook:   lb,
		Logger:    logger,
		Artifacts: artifact.NewStore(layout),
	}
}

// WithArtifacts allows dependency injection of a pre-built store.
func (mc *ModuleContext) WithArtifacts(store *artifact.Store) *ModuleContext {
	clone := *mc
	clone.Artifacts = store
	clone.Layout = store.Layout()
	return &clone
}

// WithProgress returns a copy that reports progress to reporter.
func (mc *ModuleContext) WithProgress(reporter ProgressReporter) *ModuleContext {
	clone := *mc
	clone.Progress = reporter
	return &clone
}

// WithWorkflow records the definition id stamped into provenance.
func (mc *ModuleContext) WithWorkflow(id string) *ModuleContext {
	clone := *mc
	clone.Workflow = id
	return &clone
}

// Log returns the context logger, never nil.
func (mc *ModuleContext) Log() *logging.Logger {
	if mc == nil || mc.Logger == nil {
		return logging.Nop()
	}
	return mc.Logger
}

// ReportProgress forwards to the configured reporter if any.
func (mc *ModuleContext) ReportProgress(node string, done, total int) {
	if mc == nil || mc.Progress == nil {
		return
	}
	mc.Progress.Report(node, done, total)
}
