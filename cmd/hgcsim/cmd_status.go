package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/jobdb"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := engine.NewRepository(a.cfg.EngineDir()).Load()
			if errors.Is(err, engine.ErrStateNotFound) {
				fmt.Fprintln(a.out, "no run recorded yet")
				return nil
			}
			if err != nil {
				return err
			}
			snap, err := eventbridge.LoadSnapshot(filepath.Join(a.cfg.StateFilesDir(), eventbridge.SnapshotFileName))
			if err != nil {
				return err
			}
			if snap.RunID != state.RunID {
				snap = eventbridge.Snapshot{}
			}
			printStatus(a.out, state, snap)
			return nil
		},
	}
}

func printSummary(w io.Writer, state engine.State) {
	if state.RunID == "" {
		return
	}
	counts := map[string]int{}
	for _, node := range state.Nodes {
		counts[string(node.State)]++
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "run %s: %s", state.RunID, state.Status)
	for _, key := range keys {
		fmt.Fprintf(w, " %s=%d", key, counts[key])
	}
	fmt.Fprintln(w)
	if state.StatusReason != "" {
		fmt.Fprintf(w, "  %s\n", state.StatusReason)
	}
}

func printStatus(w io.Writer, state engine.State, snap eventbridge.Snapshot) {
	printSummary(w, state)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATE\tPROGRESS\tDETAIL")
	for _, node := range state.Nodes {
		progress := "-"
		if p, ok := snap.Node(node.ID); ok && p.Total > 0 {
			progress = fmt.Sprintf("%d/%d", p.Done, p.Total)
		}
		detail := ""
		if run, ok := state.Runs[node.ID]; ok && run.Error != "" {
			detail = run.Error
		} else if skip, ok := state.Skipped[node.ID]; ok && skip.Detail != "" {
			detail = skip.Detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", node.ID, node.State, progress, detail)
	}
	_ = tw.Flush()
}

func (a *app) jobsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List the recorded job attempts of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openJobs()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if runID == "" {
				runID, err = db.LatestRun(ctx)
				if errors.Is(err, jobdb.ErrNoRuns) {
					fmt.Fprintln(a.out, "no jobs recorded yet")
					return nil
				}
				if err != nil {
					return err
				}
			}
			records, err := db.List(ctx, runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "run %s\n", runID)
			printJobs(a.out, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the latest run)")
	return cmd
}

func printJobs(w io.Writer, records []jobdb.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tATTEMPT\tBACKEND\tEXTERNAL\tSTATUS\tDURATION\tMESSAGE")
	for _, rec := range records {
		duration := "-"
		if d := rec.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		external := rec.ExternalID
		if external == "" {
			external = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.Node, rec.Attempt, rec.Backend, external, rec.Status, duration, rec.Message)
	}
	_ = tw.Flush()
}

func (a *app) paramsCmd() *cobra.Command {
	var overrides map[string]string
	cmd := &cobra.Command{
		Use:   "params",
		Short: "List the generator options and the parameter hash",
		Long: `Lists every generator option with its type and default, followed by
the parameter hash that addresses the outputs of a run with these values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.paramSet()
			if err != nil {
				return err
			}
			values := set.Defaults()
			names := make([]string, 0, len(overrides))
			for name := range overrides {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := values.Set(name, overrides[name]); err != nil {
					return err
				}
			}
			current := values.Strings()
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tVALUE\tDEST\tHELP")
			for _, spec := range set.Specs() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", spec.Name, spec.Type, current[spec.Name], spec.Dest, spec.Help)
			}
			_ = tw.Flush()
			fmt.Fprintf(a.out, "hash %s\n", values.Hash())
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&overrides, "param", nil, "option name=value")
	return cmd
}
