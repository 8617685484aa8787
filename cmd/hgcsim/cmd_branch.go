package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/batch"
	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
)

// bridgeURLEnv carries the event bridge address into remote jobs.
const bridgeURLEnv = "HGCSIM_BRIDGE_URL"

func (a *app) runBranchCmd() *cobra.Command {
	var node, runID string
	cmd := &cobra.Command{
		Use:   "run-branch",
		Short: "Run a single node of the current run (used by batch jobs)",
		Long: `Runs one node of the persisted task graph in this process. HTCondor
jobs call this on the worker node. Progress is posted to the event bridge
named by HGCSIM_BRIDGE_URL when it is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBranch(cmd.Context(), strings.TrimSpace(node), strings.TrimSpace(runID))
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "node id, e.g. sim.RecoTask:3")
	cmd.Flags().StringVar(&runID, "run", "", "expected run id; refuses to run against another run")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func (a *app) runBranch(ctx context.Context, node, runID string) error {
	state, err := engine.NewRepository(a.cfg.EngineDir()).Load()
	if err != nil {
		return err
	}
	if runID != "" && state.RunID != runID {
		return fmt.Errorf("run %s is not the current run (%s)", runID, state.RunID)
	}
	ref, ok := state.Definition.Lookup(node)
	if !ok {
		return fmt.Errorf("node %s is not part of %s", node, state.WorkflowID)
	}
	st, err := a.stack()
	if err != nil {
		return err
	}
	mod, err := st.registry.Resolve(ref.ModuleID, ref.Config.Clone())
	if err != nil {
		return err
	}
	mc, err := a.moduleContext()
	if err != nil {
		return err
	}
	mc = mc.WithWorkflow(state.WorkflowID)

	publisher := a.publisher(ctx, state.RunID)
	if publisher != nil {
		mc = mc.WithProgress(publisher)
	}
	logger := a.logger.With(zap.String("node", node), zap.String("run", state.RunID))
	start := time.Now()
	out, runErr := batch.NewLocal().Execute(ctx, mc, batch.Job{
		RunID:    state.RunID,
		Node:     node,
		ModuleID: ref.ModuleID,
		Attempt:  1,
		Module:   mod,
	})
	if runErr == nil && out.Result.Status == module.StatusFailed {
		runErr = fmt.Errorf("%s reported failure: %s", node, out.Result.Message)
	}
	status := string(out.Result.Status)
	message := out.Result.Message
	if runErr != nil {
		status = string(module.StatusFailed)
		message = runErr.Error()
	}
	if publisher != nil {
		publisher.Finish(context.WithoutCancel(ctx), node, status, message)
	}
	if runErr != nil {
		logger.Error("branch failed", zap.Error(runErr))
		return runErr
	}
	logger.Info("branch finished", zap.String("status", status), zap.Duration("runtime", time.Since(start)))
	fmt.Fprintf(a.out, "%s %s\n", node, status)
	return nil
}

// publisher returns nil when no bridge is configured or reachable.
func (a *app) publisher(ctx context.Context, runID string) *eventbridge.Publisher {
	url := strings.TrimSpace(os.Getenv(bridgeURLEnv))
	if url == "" {
		url = eventbridge.SettingsFromConfig(a.cfg).PublishURL()
	}
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if !eventbridge.Reachable(checkCtx, url) {
		a.logger.Debug("event bridge not reachable", zap.String("url", url))
		return nil
	}
	return eventbridge.NewPublisher(url, runID, a.logger.Zap().Named("publisher"))
}
