// Package plugins loads additional branch stages from the project directory.
//
// Stages are declared in .hgcsim/stages either as YAML documents matching
// stage.Definition or as Go files evaluated with yaegi that export
// StageDefinitions() ([]map[string]any, error).
package plugins

import (
	"strings"

	"github.com/kingrea/hgcsim/internal/modules/stage"
)

// StageFile pairs a parsed stage definition with its on-disk source.
type StageFile struct {
	Definition stage.Definition
	Path       string
}

// Normalize returns a trimmed copy of def. Empty arg keys are dropped.
func Normalize(def stage.Definition) stage.Definition {
	clone := stage.Definition{
		ID:       strings.TrimSpace(def.ID),
		Name:     strings.TrimSpace(def.Name),
		Previous: strings.TrimSpace(def.Previous),
		InputKey: strings.TrimSpace(def.InputKey),
		Config: stage.ConfigSource{
			Tier: strings.ToLower(strings.TrimSpace(def.Config.Tier)),
			Path: strings.TrimSpace(def.Config.Path),
		},
		Cleanup: def.Cleanup,
	}
	if len(def.Outputs) > 0 {
		clone.Outputs = make([]stage.Output, len(def.Outputs))
		for i, out := range def.Outputs {
			clone.Outputs[i] = stage.Output{
				Key:     strings.TrimSpace(out.Key),
				Pattern: strings.TrimSpace(out.Pattern),
			}
		}
	}
	if len(def.Args) > 0 {
		clone.Args = make(map[string]string, len(def.Args))
		for key, value := range def.Args {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Args[trimmed] = strings.TrimSpace(value)
		}
	}
	return clone
}
