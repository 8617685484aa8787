package stage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/params"
)

// Module config keys shared by branch and aggregate nodes.
const (
	KeyVersion = "version"
	KeyParams  = "params"
	KeyNTasks  = "n_tasks"
	KeySeed    = "seed"
	KeyBranch  = "branch"
	KeyRetain  = "retain"
)

// Options are the task parameters every node of a stage shares.
type Options struct {
	Version string
	Values  params.Values
	NTasks  int
	Seed    int
	// Retain keeps the branch outputs even when a consumer cleans its inputs,
	// as for stages that are themselves targets.
	Retain bool
}

// Validate checks the task parameters.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Version) == "" {
		return fmt.Errorf("stage: version is required")
	}
	if o.NTasks < 1 {
		return fmt.Errorf("stage: n_tasks must be >= 1, got %d", o.NTasks)
	}
	return nil
}

// Events returns the events processed by one branch: nevts split over
// n_tasks, rounded up.
func (o Options) Events() int {
	total := o.Values.Int("nevts")
	if o.NTasks <= 1 {
		return total
	}
	return (total + o.NTasks - 1) / o.NTasks
}

// BranchSeed returns the random seed of branch.
func (o Options) BranchSeed(branch int) int {
	return o.Seed + branch
}

// Fingerprint digests the branching parameters. Outputs written under a
// different n_tasks or seed share the same path but not the fingerprint.
func (o Options) Fingerprint(branch int) string {
	return module.HashFingerprint(map[string]string{
		KeyNTasks: strconv.Itoa(o.NTasks),
		KeySeed:   strconv.Itoa(o.Seed),
		KeyBranch: strconv.Itoa(branch),
	})
}

// Config renders the options as aggregate module config.
func (o Options) Config() module.Config {
	cfg := module.Config{
		KeyVersion: o.Version,
		KeyParams:  o.Values.Strings(),
		KeyNTasks:  o.NTasks,
		KeySeed:    o.Seed,
	}
	if o.Retain {
		cfg[KeyRetain] = true
	}
	return cfg
}

// BranchConfig renders the options as module config of branch.
func (o Options) BranchConfig(branch int) module.Config {
	cfg := o.Config()
	cfg[KeyBranch] = branch
	return cfg
}

// ParseOptions reads options from module config. hasBranch reports whether the
// config addresses a single branch.
func ParseOptions(cfg module.Config, set *params.Set) (opts Options, branch int, hasBranch bool, err error) {
	if set == nil {
		return Options{}, 0, false, fmt.Errorf("stage: parameter set is required")
	}
	values, err := set.FromStrings(cfg.StringMap(KeyParams))
	if err != nil {
		return Options{}, 0, false, fmt.Errorf("stage: %w", err)
	}
	opts = Options{Version: cfg.String(KeyVersion), Values: values, NTasks: 1, Seed: 1, Retain: cfg.Bool(KeyRetain)}
	if n, ok := cfg.Int(KeyNTasks); ok {
		opts.NTasks = n
	}
	if s, ok := cfg.Int(KeySeed); ok {
		opts.Seed = s
	}
	if err := opts.Validate(); err != nil {
		return Options{}, 0, false, err
	}
	if _, present := cfg[KeyBranch]; present {
		b, ok := cfg.Int(KeyBranch)
		if !ok || b < 0 || b >= opts.NTasks {
			return Options{}, 0, false, fmt.Errorf("stage: branch %v out of range [0, %d)", cfg[KeyBranch], opts.NTasks)
		}
		return opts, b, true, nil
	}
	return opts, 0, false, nil
}
