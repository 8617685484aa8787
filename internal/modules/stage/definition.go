// Package stage implements the branch stages of the simulation chain.
//
// A stage runs cmsRun once per branch. Branch i consumes the tier config of
// the stage (or a fixed config file) and branch i of the previous stage, and
// writes one or more ROOT files whose names carry the branch number.
package stage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// Definition declares one branch stage.
type Definition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	// Previous is the stage whose branch outputs feed this stage.
	Previous string `yaml:"previous,omitempty"`
	// InputKey selects the output of Previous passed as {input.<key>}. Empty
	// means every output of Previous is an input.
	InputKey string            `yaml:"input_key,omitempty"`
	Config   ConfigSource      `yaml:"config"`
	Outputs  []Output          `yaml:"outputs"`
	Args     map[string]string `yaml:"args,omitempty"`
	// Cleanup releases the outputs of Previous once every consumer succeeded.
	Cleanup bool `yaml:"cleanup,omitempty"`
}

// ConfigSource selects the cmsRun config of a stage: a tier config produced by
// sim.CreateConfigs, or a fixed path that may reference environment variables.
type ConfigSource struct {
	Tier string `yaml:"tier,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// Output is one branch output file. Pattern must contain {branch}.
type Output struct {
	Key     string `yaml:"key"`
	Pattern string `yaml:"pattern"`
}

var templatePattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// DisplayName returns Name, or ID when no name is set.
func (d Definition) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.ID
}

// Output returns the output declared under key.
func (d Definition) Output(key string) (Output, bool) {
	for _, out := range d.Outputs {
		if out.Key == key {
			return out, true
		}
	}
	return Output{}, false
}

// Validate checks the definition on its own. References to the previous stage
// are checked by the catalog.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("stage: id is required")
	}
	if strings.ContainsAny(d.ID, ":/") {
		return fmt.Errorf("stage: %s: id must not contain ':' or '/'", d.ID)
	}
	if d.ID == workflow.FamilyCreateConfigs {
		return fmt.Errorf("stage: %s is reserved", d.ID)
	}
	hasTier := strings.TrimSpace(d.Config.Tier) != ""
	hasPath := strings.TrimSpace(d.Config.Path) != ""
	if hasTier == hasPath {
		return fmt.Errorf("stage: %s: exactly one of config.tier and config.path is required", d.ID)
	}
	if hasTier && !isTier(d.Config.Tier) {
		return fmt.Errorf("stage: %s: unknown config tier %q", d.ID, d.Config.Tier)
	}
	if len(d.Outputs) == 0 {
		return fmt.Errorf("stage: %s: at least one output is required", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Outputs))
	for _, out := range d.Outputs {
		if strings.TrimSpace(out.Key) == "" {
			return fmt.Errorf("stage: %s: output key is required", d.ID)
		}
		if _, dup := seen[out.Key]; dup {
			return fmt.Errorf("stage: %s: duplicate output %s", d.ID, out.Key)
		}
		seen[out.Key] = struct{}{}
		if !strings.Contains(out.Pattern, "{branch}") {
			return fmt.Errorf("stage: %s: output %s pattern %q must contain {branch}", d.ID, out.Key, out.Pattern)
		}
		if strings.ContainsAny(workflow.BranchFileName(out.Pattern, 0), `/\`) {
			return fmt.Errorf("stage: %s: output %s pattern must be a file name", d.ID, out.Key)
		}
	}
	if d.InputKey != "" && d.Previous == "" {
		return fmt.Errorf("stage: %s: input_key set without previous stage", d.ID)
	}
	if d.Cleanup && d.Previous == "" {
		return fmt.Errorf("stage: %s: cleanup requires a previous stage", d.ID)
	}
	return nil
}

// validateTemplates checks every {name} reference in the args against prev.
func (d Definition) validateTemplates(prev *Definition) error {
	for key, tmpl := range d.Args {
		for _, name := range templateNames(tmpl) {
			switch {
			case name == "branch", name == "seed", name == "events":
			case strings.HasPrefix(name, "output."):
				if _, ok := d.Output(strings.TrimPrefix(name, "output.")); !ok {
					return fmt.Errorf("stage: %s: arg %s references unknown output %s", d.ID, key, name)
				}
			case strings.HasPrefix(name, "input."):
				if prev == nil {
					return fmt.Errorf("stage: %s: arg %s references %s without previous stage", d.ID, key, name)
				}
				inKey := strings.TrimPrefix(name, "input.")
				if _, ok := prev.Output(inKey); !ok {
					return fmt.Errorf("stage: %s: arg %s references unknown input %s", d.ID, key, name)
				}
				if d.InputKey != "" && inKey != d.InputKey {
					return fmt.Errorf("stage: %s: arg %s references %s, only input.%s is consumed", d.ID, key, name, d.InputKey)
				}
			default:
				return fmt.Errorf("stage: %s: arg %s references unknown variable {%s}", d.ID, key, name)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	clone := d
	clone.Outputs = append([]Output{}, d.Outputs...)
	if d.Args != nil {
		clone.Args = make(map[string]string, len(d.Args))
		for k, v := range d.Args {
			clone.Args[k] = v
		}
	}
	return clone
}

// Render substitutes {name} references with vars. Unknown names fail.
func Render(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("stage: unresolved template variables %s in %q", strings.Join(missing, ", "), tmpl)
	}
	return out, nil
}

func templateNames(tmpl string) []string {
	matches := templatePattern.FindAllStringSubmatch(tmpl, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

func isTier(tier string) bool {
	for _, known := range workflow.Tiers {
		if tier == known {
			return true
		}
	}
	return false
}
