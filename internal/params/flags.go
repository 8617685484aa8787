package params

import (
	"fmt"

	"github.com/spf13/pflag"
)

// RegisterFlags adds one typed flag per option to fs. Options whose name is
// already taken by another flag are reported instead of overwritten.
func (s *Set) RegisterFlags(fs *pflag.FlagSet) error {
	for _, spec := range s.specs {
		if fs.Lookup(spec.Name) != nil {
			return fmt.Errorf("params: flag --%s already defined", spec.Name)
		}
		parsed, _ := parse(spec.Type, spec.Default)
		switch spec.Type {
		case TypeInt:
			fs.Int(spec.Name, parsed.(int), spec.Help)
		case TypeFloat:
			fs.Float64(spec.Name, parsed.(float64), spec.Help)
		case TypeBool:
			fs.Bool(spec.Name, parsed.(bool), spec.Help)
		default:
			fs.String(spec.Name, parsed.(string), spec.Help)
		}
	}
	return nil
}

// FromFlags returns defaults overridden by every option flag that was set.
func (s *Set) FromFlags(fs *pflag.FlagSet) (Values, error) {
	v := s.Defaults()
	for _, spec := range s.specs {
		flag := fs.Lookup(spec.Name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.Set(spec.Name, flag.Value.String()); err != nil {
			return Values{}, err
		}
	}
	return v, nil
}
