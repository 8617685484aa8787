package module

import (
	"context"
	"fmt"

	"github.com/kingrea/hgcsim/internal/artifact"
)

// Info describes a module's identity and intent.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	Concurrency ConcurrencyProfile
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("module: id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("module: name is required for %s", i.ID)
	}
	if i.Version == "" {
		return fmt.Errorf("module: version is required for %s", i.ID)
	}
	return nil
}

// ConcurrencyProfile declares where a module executes.
type ConcurrencyProfile struct {
	// Local marks modules that always execute in the orchestrating process,
	// whatever batch backend is selected.
	Local bool
}

// Result captures the outcome of a module execution.
type Result struct {
	Status  Status
	Message string
}

// Status enumerates module run outcomes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusNoOp      Status = "no-op"
	StatusFailed    Status = "failed"
)

// Module is implemented by every runtime unit.
type Module interface {
	Info() Info
	Inputs() []artifact.ArtifactRef
	Outputs() []artifact.ArtifactRef
	IsComplete(mc *ModuleContext) (bool, error)
	Run(ctx context.Context, mc *ModuleContext) (Result, error)
}

// Purger is implemented by modules whose outputs may be deleted once every
// consumer has finished with them.
type Purger interface {
	Purge(mc *ModuleContext) error
}

// InputCleaner is implemented by modules that release their upstream outputs
// after succeeding. The runner purges an upstream node once every one of its
// dependents is complete.
type InputCleaner interface {
	CleansInputs() bool
}

// Retainer is implemented by modules whose outputs are kept even when their
// dependents are complete, e.g. the branches of a requested target.
type Retainer interface {
	Retained() bool
}
