package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
)

// newBridge builds a server whose events pass a deduplicating router before
// they reach tracker.
func newBridge(settings eventbridge.Settings, tracker *eventbridge.Tracker, logger *zap.Logger) (*eventbridge.Server, *eventbridge.Router) {
	router := eventbridge.NewRouter(
		eventbridge.RouterWithLogger(logger),
		eventbridge.RouterWithForward(tracker),
	)
	server := eventbridge.NewServer(settings,
		eventbridge.WithProcessor(router),
		eventbridge.WithSnapshot(tracker.Snapshot),
		eventbridge.WithLogger(logger))
	return server, router
}

func (a *app) serveCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event bridge and print incoming branch events",
		Long: `Starts the HTTP event bridge on the configured host and port without
running the chain. Progress of remote branches is written to the progress
snapshot read by status and watch, and every event of the run is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				state, err := engine.NewRepository(a.cfg.EngineDir()).Load()
				if err != nil && !errors.Is(err, engine.ErrStateNotFound) {
					return err
				}
				runID = state.RunID
			}
			return a.serve(cmd.Context(), strings.TrimSpace(runID))
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id to track (defaults to the current run)")
	return cmd
}

func (a *app) serve(ctx context.Context, runID string) error {
	settings := eventbridge.SettingsFromConfig(a.cfg)
	settings.Enabled = true
	tracker := eventbridge.NewTracker(filepath.Join(a.cfg.StateFilesDir(), eventbridge.SnapshotFileName), runID)
	server, router := newBridge(settings, tracker, a.logger.Zap().Named("eventbridge"))
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	fmt.Fprintf(a.out, "event bridge listening on %s\n", server.BaseURL())

	sub := router.Subscribe(runID)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			fmt.Fprintln(a.out, formatEvent(evt))
		}
	}
}

func formatEvent(evt eventbridge.Event) string {
	switch evt.Type {
	case eventbridge.TypeProgress:
		if p, err := evt.Progress(); err == nil {
			return fmt.Sprintf("%s progress %d/%d", evt.Node, p.Done, p.Total)
		}
	case eventbridge.TypeFinished:
		if p, err := evt.Finished(); err == nil {
			if p.Message != "" {
				return fmt.Sprintf("%s %s: %s", evt.Node, p.Status, p.Message)
			}
			return fmt.Sprintf("%s %s", evt.Node, p.Status)
		}
	}
	return fmt.Sprintf("%s %s", evt.Node, evt.Type)
}
