package createconfigs

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/config"
	"github.com/kingrea/hgcsim/internal/module"
	"github.com/kingrea/hgcsim/internal/params"
	"github.com/kingrea/hgcsim/internal/workflow"
)

const oneConfigTool = `#!/bin/sh
for arg in "$@"; do
  case "$arg" in
    --outDir=*) out="${arg#--outDir=}" ;;
    --DTIER=*) tier="${arg#--DTIER=}" ;;
    --EVTSPERJOB=*) evts="${arg#--EVTSPERJOB=}" ;;
  esac
done
echo "# $tier $evts" > "$out/cfg/partGun_${tier}_cfg.py"
`

const twoRecoConfigsTool = `#!/bin/sh
for arg in "$@"; do
  case "$arg" in
    --outDir=*) out="${arg#--outDir=}" ;;
    --DTIER=*) tier="${arg#--DTIER=}" ;;
  esac
done
echo "# $tier" > "$out/cfg/a_cfg.py"
if [ "$tier" = "RECO" ]; then echo "# extra" > "$out/cfg/b_cfg.py"; fi
`

func newContext(t *testing.T, tool string) *module.ModuleContext {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(script, []byte(tool), 0o755))
	require.NoError(t, config.InitProjectDir(dir))
	cfg, err := config.NewConfig(dir)
	require.NoError(t, err)
	cfg.Project.ConfigTool.Command = []string{script}
	return module.NewContext(cfg, nil, nil)
}

func newModule(t *testing.T) *Module {
	t.Helper()
	values := params.MustDefaultSet().Defaults()
	require.NoError(t, values.Set("nevts", "20"))
	mod, err := New("v1", values)
	require.NoError(t, err)
	return mod
}

func TestRunWritesOneConfigPerTier(t *testing.T) {
	mc := newContext(t, oneConfigTool)
	mod := newModule(t)

	res, err := mod.Run(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, module.StatusCompleted, res.Status)

	for _, tier := range workflow.Tiers {
		ref := ConfigRef(mod.task, tier)
		check, err := mc.Artifacts.Check(ref)
		require.NoError(t, err)
		require.Equal(t, artifact.StateReady, check.State, tier)
		assert.Equal(t, moduleID, check.Metadata.ModuleID)

		path, err := mc.Artifacts.Path(ref)
		require.NoError(t, err)
		assert.Equal(t, workflow.ConfigFileName(tier), filepath.Base(path))
		assert.Contains(t, path, filepath.Join(moduleID, "v1", mod.task.Hash))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "20", "EVTSPERJOB carries nevts")
	}

	res, err = mod.Run(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, module.StatusNoOp, res.Status)
}

func TestRunFailsWhenTierYieldsSeveralConfigs(t *testing.T) {
	mc := newContext(t, twoRecoConfigsTool)
	mod := newModule(t)

	res, err := mod.Run(context.Background(), mc)
	require.Error(t, err)
	assert.Equal(t, module.StatusFailed, res.Status)
	assert.Contains(t, err.Error(), "created 2 config files for data tier reco, while 1 was expected")

	complete, err := mod.IsComplete(mc)
	require.NoError(t, err)
	assert.False(t, complete)
	gsd, err := mc.Artifacts.Check(ConfigRef(mod.task, workflow.TierGSD))
	require.NoError(t, err)
	assert.Equal(t, artifact.StateMissing, gsd.State, "no partial output is committed")
}

func TestHashAddressesOutputs(t *testing.T) {
	set := params.MustDefaultSet()
	a, err := New("v1", set.Defaults())
	require.NoError(t, err)
	changed := set.Defaults()
	require.NoError(t, changed.Set("nevts", "11"))
	b, err := New("v1", changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.task.Hash, b.task.Hash)

	_, err = New("", set.Defaults())
	assert.Error(t, err)
}

func TestRegisterParsesParams(t *testing.T) {
	reg := module.NewRegistry()
	set := params.MustDefaultSet()
	Register(reg, set)

	mod, err := reg.Resolve(moduleID, module.Config{
		"version": "v2",
		"params":  map[string]any{"nevts": "50"},
	})
	require.NoError(t, err)
	cc := mod.(*Module)
	assert.Equal(t, 50, cc.values.Int("nevts"))
	assert.True(t, mod.Info().Concurrency.Local)

	_, err = reg.Resolve(moduleID, module.Config{"version": "v2", "params": map[string]any{"bogus": "1"}})
	assert.ErrorIs(t, err, params.ErrUnknownParam)
}
