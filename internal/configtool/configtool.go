// Package configtool invokes the config generation tool for one data tier.
//
// The tool receives every option as --<dest>=<value> (sorted by dest) and
// writes python config files to <outDir>/cfg.
package configtool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/hgcsim/internal/proc"
)

// Tool wraps the configured command line.
type Tool struct {
	Command []string
	Env     []string
	Logger  *zap.Logger
}

// FixedValues returns the options the workflow pins for a tier, merged over
// the generator values by the caller.
func FixedValues(tier, outDir string, events int) map[string]any {
	return map[string]any{
		"outDir":     outDir,
		"inDir":      "",
		"DTIER":      strings.ToUpper(tier),
		"CONFIGFILE": "",
		"eosArea":    "",
		"LOCAL":      true,
		"QUEUE":      "tomorrow",
		"DRYRUN":     true,
		"EVTSPERJOB": events,
		"TAG":        "",
		"skipInputs": true,
		"DQM":        true,
	}
}

// Args renders values as sorted --dest=value flags.
func Args(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("--%s=%s", key, render(values[key])))
	}
	return out
}

// Generate runs the tool with values and returns the config files it produced
// under <outDir>/cfg, sorted.
func (t *Tool) Generate(ctx context.Context, values map[string]any, outDir, logPath string) ([]string, error) {
	if len(t.Command) == 0 {
		return nil, fmt.Errorf("configtool: command is not configured")
	}
	for _, sub := range []string{"cfg", "jobs"} {
		if err := os.MkdirAll(filepath.Join(outDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("configtool: prepare %s: %w", sub, err)
		}
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	args := append(append([]string{}, t.Command[1:]...), Args(values)...)
	spec := proc.Spec{
		Path:    t.Command[0],
		Args:    args,
		Env:     t.Env,
		Dir:     outDir,
		LogPath: logPath,
		OnLine: func(line string) {
			logger.Debug("configtool", zap.String("line", line))
		},
	}
	res, err := proc.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("configtool: %w", err)
	}
	logger.Debug("config tool finished", zap.Duration("runtime", res.Duration))

	cfgs, err := filepath.Glob(filepath.Join(outDir, "cfg", "*.py"))
	if err != nil {
		return nil, fmt.Errorf("configtool: list configs: %w", err)
	}
	sort.Strings(cfgs)
	return cfgs, nil
}

func render(value any) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
