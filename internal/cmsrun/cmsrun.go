// Package cmsrun drives the simulation executable.
//
// A run is `cmsRun <cfg> key=value...`. The event loop prints
// "Begin processing the <N>th record" for every event, which is turned into
// progress updates against the requested number of events.
package cmsrun

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/proc"
)

// DefaultExecutable is used when no executable is configured.
const DefaultExecutable = "cmsRun"

var recordPattern = regexp.MustCompile(`Begin processing the (\d+)(?:st|nd|rd|th) record`)

// Runner launches cmsRun processes.
type Runner struct {
	Executable string
	Env        []string
	Logger     *zap.Logger
}

// Request describes one cmsRun invocation.
type Request struct {
	Node    string
	Config  string
	Args    map[string]string
	Dir     string
	LogPath string
	// Events is the expected number of events, used as progress total.
	// Zero disables progress parsing.
	Events   int
	Progress func(done, total int)
}

// Result summarizes a finished run.
type Result struct {
	Events   int
	Duration time.Duration
	LogPath  string
}

// FormatArgs renders key=value pairs in sorted key order.
func FormatArgs(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+args[key])
	}
	return out
}

// ParseRecord extracts the record number from an event loop line.
func ParseRecord(line string) (int, bool) {
	match := recordPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Run executes the request and blocks until cmsRun exits.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Config) == "" {
		return Result{}, fmt.Errorf("cmsrun: %s: config file is required", req.Node)
	}
	executable := r.Executable
	if strings.TrimSpace(executable) == "" {
		executable = DefaultExecutable
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", req.Node))

	args := append([]string{req.Config}, FormatArgs(req.Args)...)
	seen := 0
	spec := proc.Spec{
		Path:    executable,
		Args:    args,
		Env:     r.Env,
		Dir:     req.Dir,
		LogPath: req.LogPath,
		OnLine: func(line string) {
			n, ok := ParseRecord(line)
			if !ok || n <= seen {
				return
			}
			seen = n
			if req.Progress != nil && req.Events > 0 {
				req.Progress(n, req.Events)
			}
		},
	}
	logger.Debug("starting cmsRun", zap.String("cmd", spec.CommandLine()))
	res, err := proc.Run(ctx, spec)
	logger.Info("cmsRun finished",
		zap.Duration("runtime", res.Duration),
		zap.Int("events", seen),
		zap.Int("exit_code", res.ExitCode))
	if err != nil {
		return Result{Events: seen, Duration: res.Duration, LogPath: res.LogPath}, fmt.Errorf("cmsrun: %s: %w", req.Node, err)
	}
	if req.Progress != nil && req.Events > 0 && seen < req.Events {
		req.Progress(req.Events, req.Events)
	}
	return Result{Events: seen, Duration: res.Duration, LogPath: res.LogPath}, nil
}
