package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/proc"
)

// HTCondor job states as reported in the JobStatus attribute.
const (
	JobIdle        = 1
	JobRunning     = 2
	JobRemoved     = 3
	JobCompleted   = 4
	JobHeld        = 5
	JobTransferred = 6
	JobSuspended   = 7
)

var submittedPattern = regexp.MustCompile(`(\d+) job\(s\) submitted to cluster (\d+)\.`)

// HTCondor submits every job as its own cluster that runs
// `hgcsim run-branch` on a worker node and polls the schedd until it leaves
// the queue.
type HTCondor struct {
	// Executable is the hgcsim binary started by the job.
	Executable   string
	ProjectDir   string
	JobsDir      string
	Universe     string
	Requirements string
	Extra        map[string]string
	// Env is exported to the job, e.g. the event bridge URL.
	Env          map[string]string
	PollInterval time.Duration

	Submit  string
	Query   string
	History string
	Remove  string

	Logger *zap.Logger
}

// NewHTCondor configures the backend from the project config.
func NewHTCondor(cfg *config.Config, logger *zap.Logger) (*HTCondor, error) {
	executable := strings.TrimSpace(cfg.Project.HTCondor.Executable)
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("batch: locate hgcsim executable: %w", err)
		}
		executable = self
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTCondor{
		Executable:   cfg.ExpandPath(executable),
		ProjectDir:   cfg.ProjectDir,
		JobsDir:      cfg.JobsDir(),
		Universe:     cfg.Project.HTCondor.Universe,
		Requirements: cfg.Project.HTCondor.Requirements,
		Extra:        cfg.Project.HTCondor.Extra,
		PollInterval: cfg.PollInterval(),
		Submit:       "condor_submit",
		Query:        "condor_q",
		History:      "condor_history",
		Remove:       "condor_rm",
		Logger:       logger.Named("htcondor"),
	}, nil
}

// Name implements Backend.
func (h *HTCondor) Name() string { return config.BackendHTCondor }

// ClassAd holds the job attributes read from condor_q and condor_history.
type ClassAd struct {
	ClusterID  int    `json:"ClusterId"`
	ProcID     int    `json:"ProcId"`
	JobStatus  int    `json:"JobStatus"`
	ExitCode   *int   `json:"ExitCode,omitempty"`
	HoldReason string `json:"HoldReason,omitempty"`
}

// Execute implements Backend.
func (h *HTCondor) Execute(ctx context.Context, _ *module.ModuleContext, job Job) (Outcome, error) {
	failed := Outcome{Result: module.Result{Status: module.StatusFailed}}
	path, err := h.WriteSubmitFile(job)
	if err != nil {
		return failed, err
	}
	cluster, err := h.submit(ctx, path)
	if err != nil {
		return failed, fmt.Errorf("batch: %s: %w", job.Node, err)
	}
	failed.ExternalID = cluster
	logger := h.logger().With(zap.String("node", job.Node), zap.String("cluster", cluster))
	logger.Info("submitted", zap.Int("attempt", job.Attempt))

	ad, err := h.wait(ctx, cluster)
	if err != nil {
		if ctx.Err() != nil {
			h.remove(context.Background(), cluster)
		}
		return failed, fmt.Errorf("batch: %s: %w", job.Node, err)
	}
	switch {
	case ad.JobStatus == JobCompleted && ad.ExitCode != nil && *ad.ExitCode == 0:
		logger.Info("completed")
		return Outcome{
			Result:     module.Result{Status: module.StatusCompleted, Message: "cluster " + cluster},
			ExternalID: cluster,
		}, nil
	case ad.JobStatus == JobCompleted:
		code := -1
		if ad.ExitCode != nil {
			code = *ad.ExitCode
		}
		return failed, fmt.Errorf("batch: %s: cluster %s exited with code %d", job.Node, cluster, code)
	case ad.JobStatus == JobHeld:
		h.remove(context.Background(), cluster)
		return failed, fmt.Errorf("batch: %s: cluster %s held: %s", job.Node, cluster, ad.HoldReason)
	default:
		return failed, fmt.Errorf("batch: %s: cluster %s removed", job.Node, cluster)
	}
}

// WriteSubmitFile renders the submit description of job below JobsDir.
func (h *HTCondor) WriteSubmitFile(job Job) (string, error) {
	dir := filepath.Join(h.JobsDir, safeName(job.RunID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("batch: create job dir: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%s.%d", safeName(job.Node), job.Attempt))
	universe := h.Universe
	if universe == "" {
		universe = "vanilla"
	}
	args := []string{"run-branch", "--node", job.Node, "--project", h.ProjectDir}
	if job.RunID != "" {
		args = append(args, "--run", job.RunID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "universe = %s\n", universe)
	fmt.Fprintf(&b, "executable = %s\n", h.Executable)
	fmt.Fprintf(&b, "arguments = \"%s\"\n", strings.Join(args, " "))
	fmt.Fprintf(&b, "initialdir = %s\n", h.ProjectDir)
	fmt.Fprintf(&b, "log = %s.log\n", base)
	fmt.Fprintf(&b, "output = %s.out\n", base)
	fmt.Fprintf(&b, "error = %s.err\n", base)
	b.WriteString("getenv = true\n")
	if env := formatEnvironment(h.Env); env != "" {
		fmt.Fprintf(&b, "environment = \"%s\"\n", env)
	}
	if req := strings.TrimSpace(h.Requirements); req != "" {
		fmt.Fprintf(&b, "requirements = %s\n", req)
	}
	for _, key := range sortedKeys(h.Extra) {
		fmt.Fprintf(&b, "%s = %s\n", key, h.Extra[key])
	}
	b.WriteString("queue 1\n")

	path := base + ".sub"
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("batch: write submit file: %w", err)
	}
	return path, nil
}

// ParseSubmitOutput extracts the cluster id from condor_submit output.
func ParseSubmitOutput(out string) (string, error) {
	match := submittedPattern.FindStringSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("unexpected condor_submit output: %q", strings.TrimSpace(out))
	}
	if n, _ := strconv.Atoi(match[1]); n != 1 {
		return "", fmt.Errorf("condor_submit queued %s jobs, expected 1", match[1])
	}
	return match[2], nil
}

// ParseClassAds decodes -json output. Empty output means no matching job.
func ParseClassAds(out string) ([]ClassAd, error) {
	start := strings.IndexByte(out, '[')
	if start < 0 {
		return nil, nil
	}
	var ads []ClassAd
	if err := json.Unmarshal([]byte(out[start:]), &ads); err != nil {
		return nil, fmt.Errorf("decode class ads: %w", err)
	}
	return ads, nil
}

func (h *HTCondor) submit(ctx context.Context, path string) (string, error) {
	out, err := h.run(ctx, h.Submit, path)
	if err != nil {
		return "", err
	}
	return ParseSubmitOutput(out)
}

func (h *HTCondor) wait(ctx context.Context, cluster string) (ClassAd, error) {
	interval := h.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	last := 0
	for {
		select {
		case <-ctx.Done():
			return ClassAd{}, ctx.Err()
		case <-timer.C:
		}
		ad, found, err := h.query(ctx, h.Query, cluster)
		if err != nil {
			return ClassAd{}, err
		}
		if !found {
			ad, found, err = h.query(ctx, h.History, cluster, "-limit", "1")
			if err != nil {
				return ClassAd{}, err
			}
			if !found {
				return ClassAd{}, fmt.Errorf("cluster %s vanished from queue and history", cluster)
			}
		}
		if ad.JobStatus != last {
			h.logger().Debug("job status", zap.String("cluster", cluster), zap.Int("status", ad.JobStatus))
			last = ad.JobStatus
		}
		switch ad.JobStatus {
		case JobCompleted, JobRemoved, JobHeld:
			return ad, nil
		}
		timer.Reset(interval)
	}
}

func (h *HTCondor) query(ctx context.Context, command, cluster string, extra ...string) (ClassAd, bool, error) {
	args := append([]string{"-json", cluster}, extra...)
	out, err := h.run(ctx, command, args...)
	if err != nil {
		return ClassAd{}, false, err
	}
	ads, err := ParseClassAds(out)
	if err != nil {
		return ClassAd{}, false, fmt.Errorf("%s: %w", command, err)
	}
	if len(ads) == 0 {
		return ClassAd{}, false, nil
	}
	return ads[0], true, nil
}

func (h *HTCondor) remove(ctx context.Context, cluster string) {
	if _, err := h.run(ctx, h.Remove, cluster); err != nil {
		h.logger().Warn("condor_rm failed", zap.String("cluster", cluster), zap.Error(err))
	}
}

func (h *HTCondor) run(ctx context.Context, command string, args ...string) (string, error) {
	var out strings.Builder
	_, err := proc.Run(ctx, proc.Spec{
		Path: command,
		Args: args,
		Dir:  h.ProjectDir,
		OnLine: func(line string) {
			out.WriteString(line)
			out.WriteByte('\n')
		},
	})
	return out.String(), err
}

func (h *HTCondor) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func formatEnvironment(env map[string]string) string {
	parts := make([]string, 0, len(env))
	for _, key := range sortedKeys(env) {
		parts = append(parts, key+"="+env[key])
	}
	return strings.Join(parts, " ")
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func safeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "run"
	}
	return strings.NewReplacer(":", "_", "/", "_", " ", "_").Replace(value)
}
