// Package params models the generator options of the config generation tool.
//
// The option set decides where every task of a run stores its outputs: the
// values are hashed and the hash becomes part of the output directory, so two
// runs only share outputs when every generator option matches.
package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type enumerates the supported option value kinds.
type Type string

const (
	TypeInt    Type = "int"
	TypeString Type = "string"
	TypeBool   Type = "bool"
	TypeFloat  Type = "float"
)

var (
	// ErrUnknownParam is returned when a value is set for an option that is not declared.
	ErrUnknownParam = errors.New("params: unknown parameter")
	// ErrInvalidValue is returned when a raw value does not parse as the option type.
	ErrInvalidValue = errors.New("params: invalid value")
)

// SkipOptions are tool options that the workflow sets itself or that only
// make sense for interactive submission. They are never exposed.
var SkipOptions = []string{
	"help", "tag", "queue", "evtsperjob", "inDir", "outDir", "local",
	"dry-run", "eosArea", "cfg", "datTier", "skipInputs", "keepDQMfile",
}

// Spec declares one generator option.
type Spec struct {
	Name    string `yaml:"name"`
	Type    Type   `yaml:"type"`
	Default string `yaml:"default"`
	Help    string `yaml:"help,omitempty"`
	Dest    string `yaml:"dest,omitempty"`
}

// Set is an ordered, validated collection of option specs.
type Set struct {
	specs []Spec
	index map[string]int
}

// NewSet validates specs and drops skipped options. A missing Dest defaults to the name.
func NewSet(specs []Spec) (*Set, error) {
	skip := make(map[string]struct{}, len(SkipOptions))
	for _, name := range SkipOptions {
		skip[name] = struct{}{}
	}
	set := &Set{index: make(map[string]int, len(specs))}
	for i, spec := range specs {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, fmt.Errorf("params: spec %d missing name", i)
		}
		if _, skipped := skip[spec.Name]; skipped {
			continue
		}
		if _, dup := set.index[spec.Name]; dup {
			return nil, fmt.Errorf("params: duplicate option %s", spec.Name)
		}
		spec.Type = Type(strings.ToLower(strings.TrimSpace(string(spec.Type))))
		if spec.Type == "" {
			spec.Type = TypeString
		}
		if strings.TrimSpace(spec.Dest) == "" {
			spec.Dest = spec.Name
		}
		if _, err := parse(spec.Type, spec.Default); err != nil {
			return nil, fmt.Errorf("params: option %s default: %w", spec.Name, err)
		}
		set.index[spec.Name] = len(set.specs)
		set.specs = append(set.specs, spec)
	}
	return set, nil
}

// MustDefaultSet returns the built-in option set.
func MustDefaultSet() *Set {
	set, err := NewSet(DefaultSpecs())
	if err != nil {
		panic(err)
	}
	return set
}

// LoadSet reads a YAML list of specs from path. An empty path yields the built-in set.
func LoadSet(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return NewSet(DefaultSpecs())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("params: read %s: %w", path, err)
	}
	var specs []Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("params: parse %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("params: %s declares no options", path)
	}
	return NewSet(specs)
}

// Specs returns a copy of the ordered option list.
func (s *Set) Specs() []Spec {
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Lookup returns the spec for name.
func (s *Set) Lookup(name string) (Spec, bool) {
	idx, ok := s.index[name]
	if !ok {
		return Spec{}, false
	}
	return s.specs[idx], true
}

func parse(t Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case TypeInt:
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int", ErrInvalidValue, raw)
		}
		return v, nil
	case TypeFloat:
		if raw == "" {
			return 0.0, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, raw)
		}
		return v, nil
	case TypeBool:
		if raw == "" {
			return false, nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrInvalidValue, raw)
		}
		return v, nil
	case TypeString:
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidValue, t)
	}
}

// render produces the canonical string form of a value.
func render(value any) string {
	switch v := value.(type) {
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
