package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/hgcsim/internal/modules/stage"
)

// ParseStageYAML decodes and validates a single stage definition. Unknown
// keys are rejected so typos do not silently drop settings.
func ParseStageYAML(data []byte) (stage.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return stage.Definition{}, fmt.Errorf("plugin: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def stage.Definition
	if err := dec.Decode(&def); err != nil {
		return stage.Definition{}, fmt.Errorf("plugin: decode definition: %w", err)
	}
	def = Normalize(def)
	if err := def.Validate(); err != nil {
		return stage.Definition{}, err
	}
	return def, nil
}

// LoadStageFile reads a YAML file from disk and returns the parsed stage.
func LoadStageFile(path string) (StageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return StageFile{}, fmt.Errorf("plugin: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return StageFile{}, fmt.Errorf("plugin: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StageFile{}, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	def, err := ParseStageYAML(data)
	if err != nil {
		return StageFile{}, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return StageFile{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadStageDir scans a directory for *.yaml stages and returns the parsed definitions.
// Missing directories are treated as "no plugins" to simplify startup.
func LoadStageDir(dir string) ([]StageFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var defs []StageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isYAMLFile(name) {
			continue
		}
		def, err := LoadStageFile(filepath.Join(trimmed, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, nil
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
