package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/batch"
	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/notify"
	"github.com/kingrea/hgcsim/internal/params"
	"github.com/kingrea/hgcsim/internal/pipeline"
	"github.com/kingrea/hgcsim/internal/runner"
	"github.com/kingrea/hgcsim/internal/workflow"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
)

// taskFlags are the task parameters shared by run and remove.
type taskFlags struct {
	tasks     []string
	version   string
	nTasks    int
	seed      int
	overrides map[string]string
}

func (f *taskFlags) register(cmd *cobra.Command) error {
	fs := cmd.Flags()
	fs.StringArrayVar(&f.tasks, "task", nil, "target task family, repeatable (default "+pipeline.DefaultTarget+")")
	fs.StringVar(&f.version, "version", "", "task version, part of every output path")
	fs.IntVar(&f.nTasks, "n-tasks", 1, "number of branches per stage")
	fs.IntVar(&f.seed, "seed", 1, "initial random seed, increased by the branch number")
	fs.StringToStringVar(&f.overrides, "param", nil, "generator option name=value, for options of a custom schema")
	return params.MustDefaultSet().RegisterFlags(fs)
}

// values merges defaults, typed generator flags and --param overrides.
func (f *taskFlags) values(cmd *cobra.Command, set *params.Set) (params.Values, error) {
	values, err := set.FromFlags(cmd.Flags())
	if err != nil {
		return params.Values{}, err
	}
	names := make([]string, 0, len(f.overrides))
	for name := range f.overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := values.Set(name, f.overrides[name]); err != nil {
			return params.Values{}, err
		}
	}
	return values, nil
}

func (f *taskFlags) request(cmd *cobra.Command, set *params.Set, rt workflow.WorkflowRuntimeConfig) (pipeline.Request, error) {
	values, err := f.values(cmd, set)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Targets: f.tasks,
		Values:  values,
		NTasks:  f.nTasks,
		Seed:    f.seed,
		Version: strings.TrimSpace(f.version),
		Runtime: rt,
	}, nil
}

func (a *app) runCmd() *cobra.Command {
	var (
		flags       taskFlags
		definition  string
		backendName string
		maxParallel int
		batchSize   int
		retries     int
		gates       []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation chain up to the requested tasks",
		Long: `Builds the task graph for the requested targets and runs every node
that is not complete yet. Re-running the same request resumes the previous
run and retries its failed branches. Changing only --max-parallel,
--batch-size, --retries, --gate or --workflow keeps the run.

Example:
  hgcsim run --version v1 --n-tasks 10 --nevts 1000 --gunType E --partID 22`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := workflow.WorkflowRuntimeConfig{
				MaxParallel: a.cfg.Project.Runtime.MaxParallel,
				BatchSize:   a.cfg.Project.Runtime.BatchSize,
				Retries:     a.cfg.Project.Runtime.Retries,
				Backend:     a.cfg.Project.Runtime.Workflow,
				ManualGates: a.cfg.Project.Runtime.ManualGates,
			}
			if cmd.Flags().Changed("workflow") {
				rt.Backend = strings.ToLower(strings.TrimSpace(backendName))
			}
			if cmd.Flags().Changed("max-parallel") {
				rt.MaxParallel = maxParallel
			}
			if cmd.Flags().Changed("batch-size") {
				rt.BatchSize = batchSize
			}
			if cmd.Flags().Changed("retries") {
				rt.Retries = retries
			}
			if cmd.Flags().Changed("gate") {
				rt.ManualGates = gates
			}
			st, err := a.stack()
			if err != nil {
				return err
			}
			var def workflow.WorkflowDefinition
			if definition != "" {
				def, err = workflow.LoadDefinitionFile(definition)
				if err != nil {
					return err
				}
				def.Runtime = rt
			} else {
				req, err := flags.request(cmd, st.set, rt)
				if err != nil {
					return err
				}
				if def, err = pipeline.Build(st.catalog, req); err != nil {
					return err
				}
			}
			return a.run(cmd.Context(), st, def)
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "run a task graph file written by hgcsim graph instead of building one")
	cmd.Flags().StringVar(&backendName, "workflow", config.BackendLocal, "execution backend: local or htcondor")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum number of concurrently running branches")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "maximum number of nodes started per scheduling round")
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts per failed branch")
	cmd.Flags().StringArrayVar(&gates, "gate", nil, "task family or node id that waits for hgcsim approve, repeatable")
	if err := flags.register(cmd); err != nil {
		panic(err)
	}
	cmd.MarkFlagsOneRequired("version", "definition")
	cmd.MarkFlagsMutuallyExclusive("version", "definition")
	return cmd
}

func (a *app) run(ctx context.Context, st *stack, def workflow.WorkflowDefinition) error {
	eng, err := a.engine(st.registry)
	if err != nil {
		return err
	}
	mc, err := a.moduleContext()
	if err != nil {
		return err
	}
	jobs, err := a.openJobs()
	if err != nil {
		return err
	}
	defer jobs.Close()

	tracker := eventbridge.NewTracker(filepath.Join(a.cfg.StateFilesDir(), eventbridge.SnapshotFileName), "")
	backend, stopBridge, err := a.backend(ctx, def.Runtime.Backend, tracker)
	if err != nil {
		return err
	}
	defer stopBridge()

	var notifier notify.Notifier
	if hook := notify.NewWebhook(a.cfg.Project.Notify.Webhook); hook != nil {
		notifier = notify.Logged(hook, a.logger.Zap())
	}
	r, err := runner.New(eng, st.registry, runner.Options{
		Backend:  backend,
		Jobs:     jobs,
		Notifier: notifier,
		Progress: tracker,
		Logger:   a.logger,
		OnStart: func(state engine.State) {
			if err := tracker.Reset(state.RunID); err != nil {
				a.logger.Warn("reset progress snapshot", zap.Error(err))
			}
			fmt.Fprintf(a.out, "run %s (%d nodes, backend %s)\n", state.RunID, len(state.Nodes), backend.Name())
		},
	})
	if err != nil {
		return err
	}
	state, runErr := r.Run(ctx, mc, def)
	printSummary(a.out, state)
	if errors.Is(runErr, runner.ErrAwaitingApproval) {
		fmt.Fprintln(a.out, "  release with: hgcsim approve --task <family>, then run again")
		return nil
	}
	return runErr
}

// backend returns the executor for name. For HTCondor the event bridge is
// started so remote branches can publish their progress into tracker.
func (a *app) backend(ctx context.Context, name string, tracker *eventbridge.Tracker) (batch.Backend, func(), error) {
	noop := func() {}
	switch name {
	case "", config.BackendLocal:
		return batch.NewLocal(), noop, nil
	case config.BackendHTCondor:
	default:
		return nil, noop, fmt.Errorf("unknown workflow %q (want %s or %s)", name, config.BackendLocal, config.BackendHTCondor)
	}
	condor, err := batch.NewHTCondor(a.cfg, a.logger.Zap())
	if err != nil {
		return nil, noop, err
	}
	settings := eventbridge.SettingsFromConfig(a.cfg)
	if !settings.Enabled {
		return condor, noop, nil
	}
	server, _ := newBridge(settings, tracker, a.logger.Zap().Named("eventbridge"))
	if err := server.Start(ctx); err != nil {
		a.logger.Warn("event bridge unavailable, remote progress is not tracked", zap.Error(err))
		return condor, noop, nil
	}
	condor.Env = map[string]string{bridgeURLEnv: settings.PublishURL()}
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("event bridge shutdown", zap.Error(err))
		}
	}
	return condor, stop, nil
}
