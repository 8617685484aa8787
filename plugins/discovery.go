package plugins

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/modules/stage"
)

// LoadCatalog returns the builtin stages plus every stage plugin found under
// the project stages directory.
func LoadCatalog(cfg *config.Config) (*stage.Catalog, []StageFile, error) {
	catalog := stage.DefaultCatalog()
	if cfg == nil {
		return catalog, nil, nil
	}
	files, err := RegisterStages(catalog, cfg.StagesDir())
	if err != nil {
		return nil, nil, err
	}
	return catalog, files, nil
}

// RegisterStages discovers YAML and Go stage definitions in dir and adds them
// to catalog. Stages may consume each other in any file order; a stage is
// added once its previous stage is known.
func RegisterStages(catalog *stage.Catalog, dir string) ([]StageFile, error) {
	if catalog == nil {
		return nil, fmt.Errorf("plugin: catalog is required")
	}
	files, err := loadAllStageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	seen := make(map[string]string, len(files))
	for _, file := range files {
		id := file.Definition.ID
		if existing, ok := seen[id]; ok {
			return nil, fmt.Errorf("plugin: duplicate stage id %s (%s and %s)", id, existing, file.Path)
		}
		if _, builtin := catalog.Lookup(id); builtin {
			return nil, fmt.Errorf("plugin: %s: stage %s is already defined", file.Path, id)
		}
		seen[id] = file.Path
	}

	pending := append([]StageFile(nil), files...)
	added := make([]StageFile, 0, len(files))
	for len(pending) > 0 {
		var next []StageFile
		for _, file := range pending {
			prev := file.Definition.Previous
			if _, known := catalog.Lookup(prev); prev != "" && !known {
				next = append(next, file)
				continue
			}
			if err := catalog.Add(file.Definition); err != nil {
				return nil, fmt.Errorf("plugin: %s: %w", file.Path, err)
			}
			added = append(added, file)
		}
		if len(next) == len(pending) {
			return nil, unresolvedError(next)
		}
		pending = next
	}
	return added, nil
}

func loadAllStageFiles(dir string) ([]StageFile, error) {
	yamlDefs, err := LoadStageDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoStageDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}

func unresolvedError(files []StageFile) error {
	parts := make([]string, 0, len(files))
	for _, file := range files {
		parts = append(parts, fmt.Sprintf("%s (previous %s)", file.Definition.ID, file.Definition.Previous))
	}
	sort.Strings(parts)
	return fmt.Errorf("plugin: unknown previous stage for %s", strings.Join(parts, ", "))
}
