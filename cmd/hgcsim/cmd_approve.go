package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/hgcsim/internal/workflow/engine"
)

func (a *app) approveCmd() *cobra.Command {
	var tasks []string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Release manually gated tasks of the current run",
		Long: `Approves tasks listed under runtime.manual_gates (or --gate) so the next
hgcsim run executes them. A task family approves every gated branch of it.

Example:
  hgcsim approve --task sim.RecoTask
  hgcsim run --version v1 --n-tasks 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stack()
			if err != nil {
				return err
			}
			eng, err := a.engine(st.registry)
			if err != nil {
				return err
			}
			mc, err := a.moduleContext()
			if err != nil {
				return err
			}
			state, err := eng.Approve(mc, engine.ApproveRequest{Nodes: tasks})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "approved %s in run %s: %s\n", strings.Join(tasks, ", "), state.RunID, state.Status)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "gated task family or node id, repeatable")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
