package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/jobdb"
	"github.com/kingrea/hgcsim/internal/logbook"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/modules"
	"github.com/kingrea/hgcsim/internal/modules/stage"
	"github.com/kingrea/hgcsim/internal/params"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
	"github.com/kingrea/hgcsim/plugins"
)

// stack bundles what every command touching the chain needs: the option
// schema, the stage catalog with project plugins and the module registry.
type stack struct {
	set      *params.Set
	catalog  *stage.Catalog
	registry *module.Registry
	plugins  []plugins.StageFile
}

func (a *app) paramSet() (*params.Set, error) {
	path := strings.TrimSpace(a.cfg.Project.Params.SpecFile)
	if path == "" {
		return params.MustDefaultSet(), nil
	}
	return params.LoadSet(a.cfg.ExpandPath(path))
}

func (a *app) stack() (*stack, error) {
	set, err := a.paramSet()
	if err != nil {
		return nil, err
	}
	catalog, files, err := plugins.LoadCatalog(a.cfg)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		a.logger.Debug("stage plugin loaded", zap.String("stage", file.Definition.ID), zap.String("path", file.Path))
	}
	return &stack{
		set:      set,
		catalog:  catalog,
		registry: modules.NewRegistry(catalog, set),
		plugins:  files,
	}, nil
}

func (a *app) engine(reg *module.Registry) (*engine.Engine, error) {
	return engine.New(reg, engine.NewRepository(a.cfg.EngineDir()))
}

// moduleContext opens the run logbook and builds the shared module context.
func (a *app) moduleContext() (*module.ModuleContext, error) {
	lb, err := logbook.New(filepath.Join(a.cfg.LogsDir(), logbook.FileName))
	if err != nil {
		return nil, err
	}
	return module.NewContext(a.cfg, lb, a.logger), nil
}

func (a *app) openJobs() (*jobdb.DB, error) {
	db, err := jobdb.Open(filepath.Join(a.cfg.StateFilesDir(), jobdb.FileName))
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	return db, nil
}
