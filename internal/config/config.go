// internal/config/config.go
//
// This package handles configuration and the .hgcsim directory structure.
// Every project that runs the simulation chain gets a .hgcsim/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// StateDirName is the name of the directory we create in each project
	StateDirName = ".hgcsim"

	// BackendLocal runs branch jobs in-process.
	BackendLocal = "local"
	// BackendHTCondor submits branch jobs to an HTCondor schedd.
	BackendHTCondor = "htcondor"

	defaultStoreDir     = "store"
	defaultCMSRun       = "cmsRun"
	defaultRetries      = 1
	defaultPollInterval = 30 * time.Second
	defaultUniverse     = "vanilla"
)

const defaultProjectConfigYAML = `# hgcsim project configuration
version: 1

# Where task outputs are stored. Relative paths resolve against the project.
# HGCSIM_STORE overrides this value.
store:
  root: .hgcsim/store

cmssw:
  # Defaults to $CMSSW_BASE when empty.
  base: ""
  cmsrun: cmsRun

# The config generation tool. Every generator option is passed as --<dest>=<value>.
configtool:
  command:
    - python3
    - $CMSSW_BASE/src/reco_prodtools/SubmitHGCalPGun.py

params:
  # Optional YAML list of generator option specs replacing the built-in set.
  spec_file: ""

runtime:
  workflow: local
  max_parallel: 4
  # Nodes handed out per scheduling round; 0 hands out every runnable node.
  batch_size: 0
  retries: 1
  # Task families or node ids that wait for "hgcsim approve", e.g. sim.RecoTask.
  manual_gates: []

htcondor:
  universe: vanilla
  poll_interval: 30s
  requirements: ""
  extra: {}

eventbridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
  # Address batch jobs post progress to, e.g. http://submit-node:8765.
  url: ""

notify:
  webhook: ""
`

// StoreConfig locates the artifact store.
type StoreConfig struct {
	Root string `yaml:"root"`
}

// CMSSWConfig locates the simulation software release.
type CMSSWConfig struct {
	Base   string `yaml:"base"`
	CMSRun string `yaml:"cmsrun"`
}

// ConfigToolConfig declares how the config generation tool is launched.
type ConfigToolConfig struct {
	Command []string `yaml:"command"`
}

// ParamsConfig points at an optional generator option schema.
type ParamsConfig struct {
	SpecFile string `yaml:"spec_file"`
}

// RuntimeConfig captures execution preferences.
type RuntimeConfig struct {
	Workflow    string   `yaml:"workflow"`
	MaxParallel int      `yaml:"max_parallel"`
	BatchSize   int      `yaml:"batch_size"`
	Retries     int      `yaml:"retries"`
	ManualGates []string `yaml:"manual_gates"`
}

// HTCondorConfig configures the batch backend.
type HTCondorConfig struct {
	Universe     string            `yaml:"universe"`
	PollInterval string            `yaml:"poll_interval"`
	Requirements string            `yaml:"requirements,omitempty"`
	Executable   string            `yaml:"executable,omitempty"`
	Extra        map[string]string `yaml:"extra,omitempty"`
}

// EventBridgeConfig configures the progress HTTP bridge.
type EventBridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	// URL is the address batch jobs publish to when it differs from host:port.
	URL string `yaml:"url,omitempty"`
}

// NotifyConfig configures completion notifications.
type NotifyConfig struct {
	Webhook string `yaml:"webhook,omitempty"`
}

// ProjectConfig models .hgcsim/config.yaml.
type ProjectConfig struct {
	Version     int               `yaml:"version"`
	Store       StoreConfig       `yaml:"store"`
	CMSSW       CMSSWConfig       `yaml:"cmssw"`
	ConfigTool  ConfigToolConfig  `yaml:"configtool"`
	Params      ParamsConfig      `yaml:"params"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	HTCondor    HTCondorConfig    `yaml:"htcondor"`
	EventBridge EventBridgeConfig `yaml:"eventbridge"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// Config holds the runtime configuration for hgcsim.
type Config struct {
	// ProjectDir is the directory where the user ran `hgcsim` from
	ProjectDir string

	// StateDir is ProjectDir/.hgcsim
	StateDir string

	Project ProjectConfig
}

// InitProjectDir creates the .hgcsim directory structure in the given project directory.
//
// Structure created:
// .hgcsim/
// ├── logs/     <- zap log file and the run logbook
// ├── state/    <- job database and progress snapshots
// ├── engine/   <- persisted engine state
// ├── jobs/     <- batch submit files and job logs
// └── stages/   <- additional stage definitions (YAML or Go)
func InitProjectDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, StateDirName)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "state"),
		filepath.Join(stateDir, "engine"),
		filepath.Join(stateDir, "jobs"),
		filepath.Join(stateDir, "stages"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, StateDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// StateFilesDir returns the directory holding the job database and snapshots.
func (c *Config) StateFilesDir() string {
	return filepath.Join(c.StateDir, "state")
}

// EngineDir returns the directory holding the engine snapshot.
func (c *Config) EngineDir() string {
	return filepath.Join(c.StateDir, "engine")
}

// JobsDir returns the directory for batch submit files and job logs.
func (c *Config) JobsDir() string {
	return filepath.Join(c.StateDir, "jobs")
}

// StagesDir returns the directory scanned for stage plugins.
func (c *Config) StagesDir() string {
	return filepath.Join(c.StateDir, "stages")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// StoreRoot returns the absolute artifact store root.
func (c *Config) StoreRoot() string {
	return c.Project.Store.Root
}

// CMSSWBase returns the software release base, falling back to $CMSSW_BASE.
func (c *Config) CMSSWBase() string {
	if base := strings.TrimSpace(c.Project.CMSSW.Base); base != "" {
		return base
	}
	return os.Getenv("CMSSW_BASE")
}

// ExpandPath expands $CMSSW_BASE and other environment references in value.
func (c *Config) ExpandPath(value string) string {
	base := c.CMSSWBase()
	return os.Expand(value, func(key string) string {
		if key == "CMSSW_BASE" {
			return base
		}
		return os.Getenv(key)
	})
}

// ConfigToolCommand returns the expanded config tool invocation.
func (c *Config) ConfigToolCommand() []string {
	out := make([]string, 0, len(c.Project.ConfigTool.Command))
	for _, part := range c.Project.ConfigTool.Command {
		out = append(out, c.ExpandPath(part))
	}
	return out
}

// PollInterval returns the HTCondor status polling interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Project.HTCondor.PollInterval))
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.normalize(c.ProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func (c *Config) applyEnvOverrides() {
	if root := strings.TrimSpace(os.Getenv("HGCSIM_STORE")); root != "" {
		c.Project.Store.Root = resolvePath(c.ProjectDir, root)
	}
	if backend := strings.TrimSpace(os.Getenv("HGCSIM_WORKFLOW")); backend != "" {
		switch normalizeName(backend) {
		case BackendLocal, BackendHTCondor:
			c.Project.Runtime.Workflow = normalizeName(backend)
		}
	}
	if value := strings.TrimSpace(os.Getenv("HGCSIM_MAX_PARALLEL")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			c.Project.Runtime.MaxParallel = parsed
		}
	}
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Store:   StoreConfig{Root: filepath.Join(StateDirName, defaultStoreDir)},
		CMSSW:   CMSSWConfig{CMSRun: defaultCMSRun},
		ConfigTool: ConfigToolConfig{Command: []string{
			"python3", "$CMSSW_BASE/src/reco_prodtools/SubmitHGCalPGun.py",
		}},
		Runtime: RuntimeConfig{
			Workflow:    BackendLocal,
			MaxParallel: 4,
			Retries:     defaultRetries,
		},
		HTCondor: HTCondorConfig{
			Universe:     defaultUniverse,
			PollInterval: defaultPollInterval.String(),
		},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Store.Root) == "" {
		pc.Store.Root = filepath.Join(StateDirName, defaultStoreDir)
	}
	if strings.TrimSpace(pc.CMSSW.CMSRun) == "" {
		pc.CMSSW.CMSRun = defaultCMSRun
	}
	if strings.TrimSpace(pc.Runtime.Workflow) == "" {
		pc.Runtime.Workflow = BackendLocal
	}
	if strings.TrimSpace(pc.HTCondor.Universe) == "" {
		pc.HTCondor.Universe = defaultUniverse
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Store.Root = resolvePath(base, pc.Store.Root)
	pc.CMSSW.Base = strings.TrimSpace(pc.CMSSW.Base)
	pc.CMSSW.CMSRun = strings.TrimSpace(pc.CMSSW.CMSRun)
	pc.Params.SpecFile = resolvePath(base, pc.Params.SpecFile)
	pc.Runtime.Workflow = normalizeName(pc.Runtime.Workflow)
	gates := pc.Runtime.ManualGates[:0]
	for _, gate := range pc.Runtime.ManualGates {
		if trimmed := strings.TrimSpace(gate); trimmed != "" {
			gates = append(gates, trimmed)
		}
	}
	pc.Runtime.ManualGates = gates
	pc.EventBridge.Host = strings.TrimSpace(pc.EventBridge.Host)
	pc.Notify.Webhook = strings.TrimSpace(pc.Notify.Webhook)
	command := pc.ConfigTool.Command[:0]
	for _, part := range pc.ConfigTool.Command {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			command = append(command, trimmed)
		}
	}
	pc.ConfigTool.Command = command
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Runtime.Workflow {
	case BackendLocal, BackendHTCondor:
	default:
		return fmt.Errorf("runtime.workflow must be %q or %q", BackendLocal, BackendHTCondor)
	}
	if pc.Runtime.MaxParallel < 0 {
		return fmt.Errorf("runtime.max_parallel must be >= 0")
	}
	if pc.Runtime.BatchSize < 0 {
		return fmt.Errorf("runtime.batch_size must be >= 0")
	}
	if pc.Runtime.Retries < 0 {
		return fmt.Errorf("runtime.retries must be >= 0")
	}
	if len(pc.ConfigTool.Command) == 0 {
		return fmt.Errorf("configtool.command is required")
	}
	if pc.EventBridge.Port < 0 || pc.EventBridge.Port > 65535 {
		return fmt.Errorf("eventbridge.port must be within 0-65535")
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
