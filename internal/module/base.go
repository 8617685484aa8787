package module

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/kingrea/hgcsim/internal/artifact"
)

// Base provides common plumbing for modules (identity + IO contracts).
type Base struct {
	info    Info
	inputs  []artifact.ArtifactRef
	outputs []artifact.ArtifactRef
}

// NewBase seeds the helper with module info.
func NewBase(info Info) Base {
	return Base{info: info}
}

// SetInputs declares the required artifacts.
func (b *Base) SetInputs(refs ...artifact.ArtifactRef) {
	b.inputs = append([]artifact.ArtifactRef{}, refs...)
}

// SetOutputs declares the produced artifacts.
func (b *Base) SetOutputs(refs ...artifact.ArtifactRef) {
	b.outputs = append([]artifact.ArtifactRef{}, refs...)
}

// Info implements Module.Info.
func (b *Base) Info() Info {
	return b.info
}

// Inputs implements Module.Inputs.
func (b *Base) Inputs() []artifact.ArtifactRef {
	return append([]artifact.ArtifactRef{}, b.inputs...)
}

// Outputs implements Module.Outputs.
func (b *Base) Outputs() []artifact.ArtifactRef {
	return append([]artifact.ArtifactRef{}, b.outputs...)
}

// OutputsReady reports whether every non-optional output checks as ready.
func (b *Base) OutputsReady(mc *ModuleContext) (bool, error) {
	if mc == nil || mc.Artifacts == nil {
		return false, fmt.Errorf("module: %s has no artifact store", b.info.ID)
	}
	for _, ref := range b.outputs {
		result, err := mc.Artifacts.Check(ref)
		if result.State == artifact.StateError {
			return false, err
		}
		if result.State != artifact.StateReady && !ref.Optional {
			return false, nil
		}
	}
	return true, nil
}

// PurgeOutputs removes every declared output from the store.
func (b *Base) PurgeOutputs(mc *ModuleContext) error {
	if mc == nil || mc.Artifacts == nil {
		return fmt.Errorf("module: %s has no artifact store", b.info.ID)
	}
	var errs error
	for _, ref := range b.outputs {
		errs = multierr.Append(errs, mc.Artifacts.Remove(ref))
	}
	return errs
}
