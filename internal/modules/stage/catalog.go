package stage

import (
	"fmt"
	"sort"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// WindowNtupConfig is the fixed config of the window ntuplizer.
const WindowNtupConfig = "$CMSSW_BASE/src/RecoHGCal/GraphReco/test/windowNTuple_cfg.py"

// Builtins returns the stages of the simulation chain.
func Builtins() []Definition {
	return []Definition{
		{
			ID:      workflow.FamilyGSD,
			Name:    "GSD",
			Config:  ConfigSource{Tier: workflow.TierGSD},
			Outputs: []Output{{Key: "gsd", Pattern: "gsd_{branch}.root"}},
			Args: map[string]string{
				"outputFile": "file:{output.gsd}",
				"maxEvents":  "{events}",
				"seed":       "{seed}",
			},
		},
		{
			ID:       workflow.FamilyReco,
			Name:     "RECO",
			Previous: workflow.FamilyGSD,
			InputKey: "gsd",
			Config:   ConfigSource{Tier: workflow.TierReco},
			Outputs: []Output{
				{Key: "reco", Pattern: "reco_{branch}.root"},
				{Key: "dqm", Pattern: "dqm_{branch}.root"},
			},
			Args: map[string]string{
				"inputFiles":    "file:{input.gsd}",
				"outputFile":    "file:{output.reco}",
				"outputFileDQM": "file:{output.dqm}",
			},
			Cleanup: true,
		},
		{
			ID:       workflow.FamilyNtup,
			Name:     "NTUP",
			Previous: workflow.FamilyReco,
			InputKey: "reco",
			Config:   ConfigSource{Tier: workflow.TierNtup},
			Outputs:  []Output{{Key: "ntup", Pattern: "ntup_{branch}.root"}},
			Args: map[string]string{
				"inputFiles": "file:{input.reco}",
				"outputFile": "file:{output.ntup}",
			},
			Cleanup: true,
		},
		{
			ID:       workflow.FamilyWindowNtup,
			Name:     "Window NTUP",
			Previous: workflow.FamilyReco,
			InputKey: "reco",
			Config:   ConfigSource{Path: WindowNtupConfig},
			Outputs:  []Output{{Key: "windowntup", Pattern: "windowntup_{branch}.root"}},
			Args: map[string]string{
				"inputFiles": "file:{input.reco}",
				"outputFile": "file:{output.windowntup}",
			},
			Cleanup: true,
		},
	}
}

// Catalog holds the known stages keyed by id.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog validates and indexes defs. Stages must be added after the stage
// they consume.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if err := c.Add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns a catalog of the builtin stages.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Builtins()...)
	if err != nil {
		panic(err)
	}
	return c
}

// Add validates def against the catalog and inserts it.
func (c *Catalog) Add(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, exists := c.defs[def.ID]; exists {
		return fmt.Errorf("stage: %s already defined", def.ID)
	}
	var prev *Definition
	if def.Previous != "" {
		p, ok := c.defs[def.Previous]
		if !ok {
			return fmt.Errorf("stage: %s: unknown previous stage %s", def.ID, def.Previous)
		}
		if def.InputKey != "" {
			if _, ok := p.Output(def.InputKey); !ok {
				return fmt.Errorf("stage: %s: previous stage %s has no output %s", def.ID, p.ID, def.InputKey)
			}
		}
		prev = &p
	}
	if err := def.validateTemplates(prev); err != nil {
		return err
	}
	c.defs[def.ID] = def.Clone()
	return nil
}

// Lookup returns the stage with id.
func (c *Catalog) Lookup(id string) (Definition, bool) {
	def, ok := c.defs[id]
	if !ok {
		return Definition{}, false
	}
	return def.Clone(), true
}

// Previous returns the stage consumed by def, if any.
func (c *Catalog) Previous(def Definition) (*Definition, bool) {
	if def.Previous == "" {
		return nil, false
	}
	prev, ok := c.Lookup(def.Previous)
	if !ok {
		return nil, false
	}
	return &prev, true
}

// Chain returns the stages required to build id, first stage first.
func (c *Catalog) Chain(id string) ([]Definition, error) {
	var chain []Definition
	for current := id; current != ""; {
		def, ok := c.defs[current]
		if !ok {
			return nil, fmt.Errorf("stage: unknown stage %s", current)
		}
		chain = append([]Definition{def.Clone()}, chain...)
		current = def.Previous
	}
	return chain, nil
}

// IDs lists the stage ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
