package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/pipeline"
	"github.com/kingrea/hgcsim/internal/workflow"
)

// outputRemover is implemented by modules built on module.Base.
type outputRemover interface {
	PurgeOutputs(mc *module.ModuleContext) error
}

func (a *app) removeCmd() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete the outputs of a task and all of its branches",
		Long: `Deletes the stored outputs of every branch of the given task families
for one parameter set, including outputs a stage would normally retain.

Example:
  hgcsim remove --version v1 --n-tasks 10 --task sim.RecoTask`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stack()
			if err != nil {
				return err
			}
			req, err := flags.request(cmd, st.set, workflow.WorkflowRuntimeConfig{})
			if err != nil {
				return err
			}
			return a.remove(st, req)
		},
	}
	if err := flags.register(cmd); err != nil {
		panic(err)
	}
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func (a *app) remove(st *stack, req pipeline.Request) error {
	if len(req.Targets) == 0 {
		req.Targets = []string{pipeline.DefaultTarget}
	}
	families := make(map[string]bool, len(req.Targets))
	var stages []string
	for _, target := range req.Targets {
		families[target] = true
		if target != workflow.FamilyCreateConfigs {
			stages = append(stages, target)
		}
	}
	// The config task is part of every graph, so it needs no stage target.
	req.Targets = stages
	def, err := pipeline.Build(st.catalog, req)
	if err != nil {
		return err
	}
	mc, err := a.moduleContext()
	if err != nil {
		return err
	}
	mc = mc.WithWorkflow(def.ID)

	var errs error
	removed := 0
	for _, ref := range def.Modules {
		family, _, isBranch := workflow.ParseNodeID(ref.ID)
		if !families[family] || (!isBranch && ref.ID != workflow.FamilyCreateConfigs) {
			continue
		}
		mod, err := st.registry.Resolve(ref.ModuleID, ref.Config.Clone())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		remover, ok := mod.(outputRemover)
		if !ok {
			continue
		}
		if err := remover.PurgeOutputs(mc); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", ref.ID, err))
			continue
		}
		removed++
		a.logger.Info("outputs removed", zap.String("node", ref.ID))
		mc.Logbook.Transition(ref.ID, "complete", "removed", "hgcsim remove")
	}
	fmt.Fprintf(a.out, "removed outputs of %d nodes of %s\n", removed, def.ID)
	return errs
}
