package stage

import (
	"context"
	"fmt"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/modules/runtime"
	"github.com/kingrea/hgcsim/internal/params"
)

// Aggregate is the workflow node of a whole stage. It owns no outputs and is
// complete once every branch is complete.
type Aggregate struct {
	*module.Base
	def      Definition
	opts     Options
	branches []*Branch
}

// NewAggregate builds the aggregate of def over opts.NTasks branches.
func NewAggregate(def Definition, prev *Definition, opts Options) (*Aggregate, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", def.ID, err)
	}
	branches := make([]*Branch, 0, opts.NTasks)
	for i := 0; i < opts.NTasks; i++ {
		b, err := NewBranch(def, prev, opts, i)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	base := module.NewBase(module.Info{
		ID:          def.ID,
		Name:        def.DisplayName(),
		Description: fmt.Sprintf("Collects the %d branches of %s.", opts.NTasks, def.ID),
		Version:     branchModuleVersion,
		Concurrency: module.ConcurrencyProfile{Local: true},
	})
	return &Aggregate{Base: &base, def: def, opts: opts, branches: branches}, nil
}

// BranchMap returns {i: i} for every branch.
func (a *Aggregate) BranchMap() map[int]int {
	out := make(map[int]int, len(a.branches))
	for i := range a.branches {
		out[i] = i
	}
	return out
}

// Branches returns the branch modules.
func (a *Aggregate) Branches() []*Branch {
	return append([]*Branch{}, a.branches...)
}

// IsComplete reports whether every branch is complete.
func (a *Aggregate) IsComplete(mc *module.ModuleContext) (bool, error) {
	for _, b := range a.branches {
		ok, err := b.IsComplete(mc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Run only verifies the branches; they are separate workflow nodes.
func (a *Aggregate) Run(_ context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(a.def.ID, mc); err != nil {
		return module.Result{Status: module.StatusFailed}, err
	}
	var missing []int
	for _, b := range a.branches {
		ok, err := b.IsComplete(mc)
		if err != nil {
			return module.Result{Status: module.StatusFailed}, err
		}
		if !ok {
			missing = append(missing, b.branch)
		}
	}
	if len(missing) > 0 {
		return module.Result{Status: module.StatusFailed}, fmt.Errorf("%s: branches %v are not complete", a.def.ID, missing)
	}
	mc.Logbook.Info("%s: all %d branches complete", a.def.ID, len(a.branches))
	return module.Result{Status: module.StatusCompleted, Message: fmt.Sprintf("%d branches", len(a.branches))}, nil
}

// Register installs one factory per catalog stage. Configs carrying a branch
// number yield a Branch, the rest an Aggregate.
func Register(reg *module.Registry, catalog *Catalog, set *params.Set) {
	if reg == nil || catalog == nil {
		return
	}
	for _, id := range catalog.IDs() {
		def, _ := catalog.Lookup(id)
		reg.MustRegister(id, factory(catalog, def, set))
	}
}

func factory(catalog *Catalog, def Definition, set *params.Set) module.Factory {
	return func(cfg module.Config) (module.Module, error) {
		opts, branch, hasBranch, err := ParseOptions(cfg, set)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.ID, err)
		}
		prev, _ := catalog.Previous(def)
		if hasBranch {
			return NewBranch(def, prev, opts, branch)
		}
		return NewAggregate(def, prev, opts)
	}
}
