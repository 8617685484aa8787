// Command hgcsim drives the HGCAL simulation chain: it generates the tier
// configs, runs the GSD, RECO and tuple stages over n_tasks branches locally
// or on HTCondor, and removes intermediate outputs once they are consumed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/logging"
)

// app carries the state shared by every subcommand once the persistent
// pre-run hook has loaded the project.
type app struct {
	out     io.Writer
	project string
	verbose bool

	cfg    *config.Config
	logger *logging.Logger
}

func newApp(out io.Writer) *app {
	return &app{out: out}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hgcsim",
		Short: "HGCAL simulation chain: configs, GSD, RECO and tuples",
		Long: `hgcsim runs the HGCAL particle-gun simulation chain.

A run generates one config per data tier, then fans every stage out over
n_tasks branches: GSD -> RECO -> {NTUP, WINDOWNTUP}. Outputs are stored
under a path derived from the version and the hash of all generator
options, and upstream outputs are removed once every consumer finished.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(a.out)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.project, "project", "", "project directory (defaults to the working directory)")

	root.AddCommand(
		a.runCmd(),
		a.runBranchCmd(),
		a.statusCmd(),
		a.watchCmd(),
		a.jobsCmd(),
		a.paramsCmd(),
		a.graphCmd(),
		a.serveCmd(),
		a.removeCmd(),
		a.approveCmd(),
	)
	return root
}

// execute runs the command line and closes the log file whether or not the
// command failed.
func (a *app) execute(ctx context.Context, root *cobra.Command) error {
	defer a.close()
	return root.ExecuteContext(ctx)
}

func (a *app) close() {
	if err := a.logger.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "hgcsim: close log:", err)
	}
}

// load resolves the project directory, creates .hgcsim if needed and opens
// the log file.
func (a *app) load() error {
	project := strings.TrimSpace(a.project)
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		project = wd
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitProjectDir(abs); err != nil {
		return fmt.Errorf("init %s: %w", config.StateDirName, err)
	}
	cfg, err := config.NewConfig(abs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogsDir(), a.verbose)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout)
	if err := a.execute(ctx, a.rootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, "hgcsim:", err)
		stop()
		os.Exit(1)
	}
}
