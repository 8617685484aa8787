// internal/workflow/layout.go
//
// Defines where task outputs live inside the artifact store.
// Every task instance owns <store root>/<family>/<version>/<param hash>/.

package workflow

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Task families of the simulation chain.
const (
	FamilyCreateConfigs = "sim.CreateConfigs"
	FamilyGSD           = "sim.GSDTask"
	FamilyReco          = "sim.RecoTask"
	FamilyNtup          = "sim.NtupTask"
	FamilyWindowNtup    = "sim.WindowNtupTask"
)

// Data tiers produced by the config generation tool.
const (
	TierGSD  = "gsd"
	TierReco = "reco"
	TierNtup = "ntup"
)

// Tiers lists the config tiers in generation order.
var Tiers = []string{TierGSD, TierReco, TierNtup}

// ConfigFileName returns the stored name of a tier config, e.g. gsd_cfg.py.
func ConfigFileName(tier string) string {
	return tier + "_cfg.py"
}

// BranchFileName expands a pattern such as "reco_{branch}.root" for branch.
func BranchFileName(pattern string, branch int) string {
	return strings.ReplaceAll(pattern, "{branch}", fmt.Sprint(branch))
}

// NodeID returns the workflow node id of branch of family.
func NodeID(family string, branch int) string {
	return family + ":" + strconv.Itoa(branch)
}

// ParseNodeID splits a branch node id. ok is false for aggregate ids.
func ParseNodeID(id string) (family string, branch int, ok bool) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil || n < 0 {
		return id, 0, false
	}
	return id[:idx], n, true
}

// Layout maps task instances onto the store directory tree.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at storeRoot.
func NewLayout(storeRoot string) *Layout {
	return &Layout{root: filepath.Clean(storeRoot)}
}

// Root returns the store root.
func (l *Layout) Root() string {
	return l.root
}

// TaskDir returns <root>/<family>/<version>/<hash>.
func (l *Layout) TaskDir(family, version, hash string) (string, error) {
	for label, part := range map[string]string{"family": family, "version": version, "hash": hash} {
		if err := checkSegment(label, part); err != nil {
			return "", err
		}
	}
	return filepath.Join(l.root, family, version, hash), nil
}

// Path returns the location of name inside a task directory.
func (l *Layout) Path(family, version, hash, name string) (string, error) {
	dir, err := l.TaskDir(family, version, hash)
	if err != nil {
		return "", err
	}
	if err := checkSegment("file name", name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func checkSegment(label, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("workflow: %s is required", label)
	}
	if trimmed != value || trimmed == "." || trimmed == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("workflow: invalid %s %q", label, value)
	}
	return nil
}
