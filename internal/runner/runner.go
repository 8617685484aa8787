// Package runner drives a workflow definition to completion. Claimed nodes
// run through a batch backend on a bounded worker pool, and upstream outputs
// are removed once no pending node needs them.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/hgcsim/internal/batch"
	"github.com/kingrea/hgcsim/internal/jobdb"
	"github.com/kingrea/hgcsim/internal/logging"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/notify"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
)

var (
	// ErrRunFailed is returned when at least one node exhausted its attempts.
	ErrRunFailed = errors.New("runner: run failed")
	// ErrRunBlocked is returned when pending nodes remain but none can run.
	ErrRunBlocked = errors.New("runner: run blocked")
	// ErrAwaitingApproval is returned when only manually gated nodes remain.
	ErrAwaitingApproval = errors.New("runner: awaiting approval")
)

// ProgressSink receives event progress and final node statuses.
type ProgressSink interface {
	module.ProgressReporter
	Finish(node, status, message string) error
}

// Options configures a Runner.
type Options struct {
	// Backend executes nodes that do not have to run locally.
	Backend batch.Backend
	// Local executes nodes whose concurrency profile asks for the local
	// process. Defaults to batch.Local.
	Local batch.Backend
	Jobs     *jobdb.DB
	Notifier notify.Notifier
	Progress ProgressSink
	Logger   *logging.Logger
	// OnStart is called once the run was started or resumed, before any
	// node is claimed.
	OnStart func(engine.State)
}

// Runner executes workflow definitions.
type Runner struct {
	engine   *engine.Engine
	registry *module.Registry
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New wires a runner to the engine and module registry.
func New(eng *engine.Engine, registry *module.Registry, opts Options) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("runner: engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("runner: module registry is required")
	}
	if opts.Backend == nil {
		opts.Backend = batch.NewLocal()
	}
	if opts.Local == nil {
		opts.Local = batch.NewLocal()
	}
	return &Runner{
		engine:   eng,
		registry: registry,
		opts:     opts,
		log:      opts.Logger.Named("runner").Zap(),
		now:      time.Now,
	}, nil
}

// Run starts def, or resumes it when the persisted state holds the same task
// graph, and executes nodes until nothing is runnable. Resuming takes over the
// runtime settings of def and makes previously failed nodes claimable again.
// Retries and parallelism follow def.Runtime.
func (r *Runner) Run(ctx context.Context, mc *module.ModuleContext, def workflow.WorkflowDefinition) (engine.State, error) {
	if mc == nil {
		return engine.State{}, fmt.Errorf("runner: module context is required")
	}
	mc = mc.WithWorkflow(def.ID)
	state, err := r.startOrResume(mc, def)
	if err != nil {
		return engine.State{}, err
	}
	r.log.Info("run started",
		zap.String("run", state.RunID),
		zap.String("workflow", state.WorkflowID),
		zap.Int("nodes", len(state.Nodes)),
		zap.String("backend", r.opts.Backend.Name()))
	if r.opts.OnStart != nil {
		r.opts.OnStart(state)
	}
	if r.opts.Progress != nil {
		mc = mc.WithProgress(r.opts.Progress)
	}

	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		claim, err := r.engine.Claim(mc, engine.ClaimRequest{
			Backend:      r.opts.Backend.Name(),
			LocalBackend: r.opts.Local.Name(),
		})
		if err != nil {
			return state, err
		}
		state = claim.State
		if len(claim.Claims) == 0 {
			break
		}
		results := r.executeClaims(ctx, mc, state, claim.Claims)
		state, err = r.engine.Update(mc, engine.UpdateRequest{Results: results})
		if err != nil {
			return state, err
		}
		if err := r.cleanup(mc, state, results); err != nil {
			r.log.Warn("cleanup incomplete", zap.Error(err))
		}
	}
	return state, finalError(state)
}

func (r *Runner) startOrResume(mc *module.ModuleContext, def workflow.WorkflowDefinition) (engine.State, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return engine.State{}, err
	}
	current, err := r.engine.View()
	switch {
	case err == nil && sameGraph(current.Definition, normalized):
		return r.engine.Resume(mc, engine.ResumeRequest{Runtime: &normalized.Runtime, ResetFailures: true})
	case err == nil, errors.Is(err, engine.ErrStateNotFound):
		return r.engine.Start(mc, engine.StartRequest{Definition: normalized})
	default:
		return engine.State{}, err
	}
}

func (r *Runner) executeClaims(ctx context.Context, mc *module.ModuleContext, state engine.State, claims []engine.WorkClaim) []engine.ModuleStatusUpdate {
	results := make([]engine.ModuleStatusUpdate, len(claims))
	g, gctx := errgroup.WithContext(ctx)
	if limit := state.Definition.Runtime.MaxParallel; limit > 0 {
		g.SetLimit(limit)
	}
	for i, claim := range claims {
		g.Go(func() error {
			results[i] = r.execute(gctx, mc, state, claim)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute runs one attempt of a claim. Further attempts are handed out by the
// engine as new claims.
func (r *Runner) execute(ctx context.Context, mc *module.ModuleContext, state engine.State, claim engine.WorkClaim) engine.ModuleStatusUpdate {
	update := engine.ModuleStatusUpdate{ID: claim.ID}
	mod, err := r.resolve(state.Definition, claim.ID)
	if err != nil {
		update.Result = module.Result{Status: module.StatusFailed}
		update.Err = err
		update.FinishedAt = r.now()
		r.finish(ctx, claim, update)
		return update
	}
	backend := r.opts.Backend
	if claim.Local {
		backend = r.opts.Local
	}
	logger := r.log.With(zap.String("node", claim.ID), zap.String("backend", backend.Name()), zap.Int("attempt", claim.Attempt))
	mc.Logbook.Transition(claim.ID, "ready", "running", fmt.Sprintf("attempt %d/%d on %s", claim.Attempt, claim.MaxAttempts, backend.Name()))
	jobID := r.recordStart(ctx, state.RunID, claim.ID, claim.Attempt, backend.Name())
	start := r.now()
	out, runErr := backend.Execute(ctx, mc, batch.Job{
		RunID:    state.RunID,
		Node:     claim.ID,
		ModuleID: claim.ModuleID,
		Attempt:  claim.Attempt,
		Module:   mod,
	})
	if runErr == nil && out.Result.Status == module.StatusFailed {
		runErr = fmt.Errorf("runner: %s reported failure: %s", claim.ID, out.Result.Message)
	}
	update.Result = out.Result
	update.Err = runErr
	update.FinishedAt = r.now()
	r.recordFinish(jobID, out, runErr, update.FinishedAt)

	switch {
	case runErr == nil:
		logger.Info("node finished",
			zap.String("status", string(out.Result.Status)),
			zap.Duration("runtime", update.FinishedAt.Sub(start)))
		mc.Logbook.Transition(claim.ID, "running", string(out.Result.Status), out.Result.Message)
	case ctx.Err() != nil:
		mc.Logbook.Transition(claim.ID, "running", "cancelled", ctx.Err().Error())
	case !claim.Final():
		logger.Warn("attempt failed, retrying", zap.Error(runErr))
		mc.Logbook.Transition(claim.ID, "running", "retrying", runErr.Error())
	default:
		logger.Error("node failed", zap.Int("attempts", claim.MaxAttempts), zap.Error(runErr))
		mc.Logbook.Transition(claim.ID, "running", "failed", runErr.Error())
	}
	if update.Err != nil {
		update.Result.Status = module.StatusFailed
	}
	if update.Err == nil || claim.Final() || ctx.Err() != nil {
		r.finish(ctx, claim, update)
	}
	return update
}

// finish reports the outcome of a node. It runs after cancellation too, so
// the notification does not inherit ctx's cancellation.
func (r *Runner) finish(ctx context.Context, claim engine.WorkClaim, update engine.ModuleStatusUpdate) {
	node := claim.ID
	status := string(update.Result.Status)
	message := update.Result.Message
	if update.Err != nil {
		message = update.Err.Error()
	}
	if r.opts.Progress != nil {
		if err := r.opts.Progress.Finish(node, status, message); err != nil {
			r.log.Debug("progress snapshot", zap.Error(err))
		}
	}
	if r.opts.Notifier == nil {
		return
	}
	if claim.Branch < 0 || update.Result.Status == module.StatusNoOp {
		return
	}
	_ = r.opts.Notifier.Notify(context.WithoutCancel(ctx), notify.Message{
		Task:       node,
		Status:     status,
		Message:    message,
		FinishedAt: update.FinishedAt,
	})
}

// cleanup purges the outputs of every upstream node of a succeeded input
// cleaner once all of that upstream node's dependents are complete.
func (r *Runner) cleanup(mc *module.ModuleContext, state engine.State, results []engine.ModuleStatusUpdate) error {
	nodes := make(map[string]engine.ModuleStatus, len(state.Nodes))
	for _, node := range state.Nodes {
		nodes[node.ID] = node
	}
	var errs error
	purged := map[string]bool{}
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		mod, err := r.resolve(state.Definition, res.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if cleaner, ok := mod.(module.InputCleaner); !ok || !cleaner.CleansInputs() {
			continue
		}
		for _, dep := range nodes[res.ID].Dependencies {
			if purged[dep] {
				continue
			}
			upstream, ok := nodes[dep]
			if !ok || upstream.State != resolver.NodeStateComplete || !allSatisfied(upstream.Dependents, nodes) {
				continue
			}
			depMod, err := r.resolve(state.Definition, dep)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			purger, ok := depMod.(module.Purger)
			if !ok {
				continue
			}
			if keeper, ok := depMod.(module.Retainer); ok && keeper.Retained() {
				continue
			}
			if err := purger.Purge(mc); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("runner: purge %s: %w", dep, err))
				continue
			}
			purged[dep] = true
			r.log.Info("removed upstream outputs", zap.String("node", dep), zap.String("consumer", res.ID))
			mc.Logbook.Transition(dep, "complete", "released", "outputs removed after "+res.ID)
		}
	}
	return errs
}

func (r *Runner) resolve(def workflow.WorkflowDefinition, id string) (module.Module, error) {
	ref, ok := def.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("runner: node %s not in definition %s", id, def.ID)
	}
	mod, err := r.registry.Resolve(ref.ModuleID, ref.Config.Clone())
	if err != nil {
		return nil, fmt.Errorf("runner: resolve %s: %w", id, err)
	}
	return mod, nil
}

func (r *Runner) recordStart(ctx context.Context, runID, node string, attempt int, backend string) int64 {
	if r.opts.Jobs == nil {
		return 0
	}
	id, err := r.opts.Jobs.Start(context.WithoutCancel(ctx), jobdb.Record{
		RunID:     runID,
		Node:      node,
		Attempt:   attempt,
		Backend:   backend,
		StartedAt: r.now(),
	})
	if err != nil {
		r.log.Warn("record job start", zap.String("node", node), zap.Error(err))
		return 0
	}
	return id
}

func (r *Runner) recordFinish(id int64, out batch.Outcome, runErr error, at time.Time) {
	if r.opts.Jobs == nil || id == 0 {
		return
	}
	status := string(out.Result.Status)
	message := out.Result.Message
	if runErr != nil {
		status = jobdb.StatusFailed
		message = runErr.Error()
	}
	if status == "" {
		status = jobdb.StatusCompleted
	}
	if err := r.opts.Jobs.Finish(context.Background(), id, status, message, out.ExternalID, at); err != nil {
		r.log.Warn("record job finish", zap.Int64("job", id), zap.Error(err))
	}
}

func allSatisfied(ids []string, nodes map[string]engine.ModuleStatus) bool {
	for _, id := range ids {
		if !nodes[id].State.Satisfied() {
			return false
		}
	}
	return true
}

// graphKey is the part of a definition that decides which nodes exist and
// what they produce. Runtime settings are left out so they can change between
// resumes.
type graphKey struct {
	ID      string
	Modules []workflow.ModuleRef
	Graph   workflow.DependencyGraph
}

func sameGraph(a, b workflow.WorkflowDefinition) bool {
	left, err := json.Marshal(graphKey{ID: a.ID, Modules: a.Modules, Graph: a.Graph})
	if err != nil {
		return false
	}
	right, err := json.Marshal(graphKey{ID: b.ID, Modules: b.Modules, Graph: b.Graph})
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func finalError(state engine.State) error {
	switch state.Status {
	case engine.EngineStatusError:
		return fmt.Errorf("%w: %s", ErrRunFailed, state.StatusReason)
	case engine.EngineStatusBlocked:
		return fmt.Errorf("%w: %d nodes skipped", ErrRunBlocked, len(state.Skipped))
	case engine.EngineStatusAwaitingApproval:
		return fmt.Errorf("%w: %s", ErrAwaitingApproval, state.StatusReason)
	}
	return nil
}
