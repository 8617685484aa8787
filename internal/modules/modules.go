// Package modules wires the simulation modules into a registry.
package modules

import (
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/modules/createconfigs"
	"github.com/kingrea/hgcsim/internal/modules/stage"
	"github.com/kingrea/hgcsim/internal/params"
)

// RegisterBuiltins installs the config task and every stage of catalog.
func RegisterBuiltins(reg *module.Registry, catalog *stage.Catalog, set *params.Set) {
	createconfigs.Register(reg, set)
	stage.Register(reg, catalog, set)
}

// NewRegistry returns a registry with the builtin modules installed.
func NewRegistry(catalog *stage.Catalog, set *params.Set) *module.Registry {
	reg := module.NewRegistry()
	RegisterBuiltins(reg, catalog, set)
	return reg
}
