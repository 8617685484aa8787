package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/tui"
)

func (a *app) watchCmd() *cobra.Command {
	var exit bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the current run in a terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Watch(cmd.Context(), tui.WatchOptions{
				EngineDir:    a.cfg.EngineDir(),
				ProgressPath: filepath.Join(a.cfg.StateFilesDir(), eventbridge.SnapshotFileName),
				ExitOnFinish: exit,
			})
		},
	}
	cmd.Flags().BoolVar(&exit, "exit", false, "quit once the run is complete or failed")
	return cmd
}
