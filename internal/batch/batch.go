// Package batch executes claimed nodes, either in process or on an HTCondor
// pool.
package batch

import (
	"context"
	"fmt"

	"github.com/kingrea/hgcsim/internal/module"
)

// Job is one attempt of one node.
type Job struct {
	RunID    string
	Node     string
	ModuleID string
	Attempt  int
	Module   module.Module
}

// Outcome is what a backend reports back for a job.
type Outcome struct {
	Result module.Result
	// ExternalID identifies the job in the backend, e.g. an HTCondor cluster.
	ExternalID string
}

// Backend runs jobs.
type Backend interface {
	Name() string
	Execute(ctx context.Context, mc *module.ModuleContext, job Job) (Outcome, error)
}

// Local runs the module in the current process.
type Local struct{}

// NewLocal returns the in-process backend.
func NewLocal() Local { return Local{} }

// Name implements Backend.
func (Local) Name() string { return "local" }

// Execute implements Backend.
func (Local) Execute(ctx context.Context, mc *module.ModuleContext, job Job) (Outcome, error) {
	if job.Module == nil {
		return Outcome{Result: module.Result{Status: module.StatusFailed}}, fmt.Errorf("batch: %s: module is required", job.Node)
	}
	res, err := job.Module.Run(ctx, mc)
	if err != nil && res.Status == "" {
		res.Status = module.StatusFailed
	}
	return Outcome{Result: res}, err
}
