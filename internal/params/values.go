package params

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// HashLength is the number of hex characters kept from the parameter digest.
const HashLength = 10

// Values holds one typed value per option of a Set.
type Values struct {
	set  *Set
	vals map[string]any
}

// Defaults returns the default value of every option.
func (s *Set) Defaults() Values {
	v := Values{set: s, vals: make(map[string]any, len(s.specs))}
	for _, spec := range s.specs {
		parsed, _ := parse(spec.Type, spec.Default)
		v.vals[spec.Name] = parsed
	}
	return v
}

// FromStrings builds values from rendered strings, e.g. from a persisted
// module config. Options absent from raw keep their defaults.
func (s *Set) FromStrings(raw map[string]string) (Values, error) {
	v := s.Defaults()
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := v.Set(name, raw[name]); err != nil {
			return Values{}, err
		}
	}
	return v, nil
}

// Set parses raw according to the option type.
func (v Values) Set(name, raw string) error {
	spec, ok := v.set.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	parsed, err := parse(spec.Type, raw)
	if err != nil {
		return fmt.Errorf("params: option %s: %w", name, err)
	}
	v.vals[name] = parsed
	return nil
}

// Get returns the typed value of name.
func (v Values) Get(name string) (any, bool) {
	val, ok := v.vals[name]
	return val, ok
}

// Int returns an int option, or 0 when it is missing or not an int.
func (v Values) Int(name string) int {
	if val, ok := v.vals[name].(int); ok {
		return val
	}
	return 0
}

// Strings renders every value, keyed by option name.
func (v Values) Strings() map[string]string {
	out := make(map[string]string, len(v.vals))
	for name, val := range v.vals {
		out[name] = render(val)
	}
	return out
}

// Dest returns the values keyed by the tool's destination names.
func (v Values) Dest() map[string]any {
	out := make(map[string]any, len(v.vals))
	for _, spec := range v.set.specs {
		out[spec.Dest] = v.vals[spec.Name]
	}
	return out
}

// Clone returns an independent copy.
func (v Values) Clone() Values {
	out := Values{set: v.set, vals: make(map[string]any, len(v.vals))}
	for name, val := range v.vals {
		out.vals[name] = val
	}
	return out
}

// Hash digests every value in sorted option order. Each rendering is length
// prefixed so adjacent values cannot merge into the same byte stream.
func (v Values) Hash() string {
	names := make([]string, 0, len(v.vals))
	for name := range v.vals {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	for _, name := range names {
		writeField([]byte(render(v.vals[name])))
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLength]
}
