// Package migratecfg loads dbtmigrate settings from the workspace config file
// and DBTMIGRATE_* environment variables.
package migratecfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lexcodex/dbtmigrate/adapter"
	"github.com/lexcodex/dbtmigrate/backend"
	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/llm"
	"github.com/lexcodex/dbtmigrate/persistence"
)

const (
	configDirName = "dbtmigrate_cfg"
	// EnvPrefix namespaces environment overrides.
	EnvPrefix = "DBTMIGRATE"
	version   = "1"
)

// ConfigDir returns the workspace-local configuration directory.
func ConfigDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, configDirName)
}

// DefaultPath returns dbtmigrate_cfg/config.yaml within the workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(ConfigDir(workspace), "config.yaml")
}

// Config matches dbtmigrate_cfg/config.yaml.
type Config struct {
	Version string             `yaml:"version"`
	Run     RunSettings        `yaml:"run"`
	Store   persistence.Config `yaml:"store"`
	Backend backend.Config     `yaml:"backend"`
	LLM     llm.ModelConfig    `yaml:"llm"`
	Logging LoggingSettings    `yaml:"logging"`
	Rules   string             `yaml:"rules,omitempty"`
	Project ProjectSettings    `yaml:"project"`
}

// RunSettings are the per-run defaults.
type RunSettings struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	ValidationThreshold float64       `yaml:"validation_threshold"`
	AgentTimeout        time.Duration `yaml:"agent_timeout"`
	Archive             bool          `yaml:"archive"`
}

// LoggingSettings describe log output.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// LLMDebug logs full prompts in telemetry.
	LLMDebug  bool   `yaml:"llm_debug,omitempty"`
	TraceFile string `yaml:"trace_file,omitempty"`
}

// ProjectSettings name the generated dbt project.
type ProjectSettings struct {
	Name string `yaml:"name,omitempty"`
}

// Default returns the built-in settings for workspace.
func Default(workspace string) *Config {
	return &Config{
		Version: version,
		Run: RunSettings{
			MaxAttempts:         adapter.DefaultMaxAttempts,
			ValidationThreshold: adapter.DefaultValidationThreshold,
			AgentTimeout:        5 * time.Minute,
		},
		Store: persistence.Config{
			Driver: persistence.DriverFile,
			Path:   filepath.Join(ConfigDir(workspace), "snapshots"),
		},
		Backend: backend.Config{
			Compiler:   backend.CompilerStatic,
			Comparator: backend.ComparatorStructural,
		},
		LLM:     llm.ModelConfig{Provider: llm.ProviderNone},
		Logging: LoggingSettings{Level: "info", Format: "console"},
	}
}

// Load reads the config at path, or returns defaults when it does not exist.
// Keys missing from the file keep their defaults.
func Load(path, workspace string) (*Config, error) {
	cfg := Default(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config missing")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Init writes the defaults to path unless a config already exists there.
func Init(path, workspace string, force bool) (*Config, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s already exists", path)
		}
	}
	cfg := Default(workspace)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Env lists the environment overrides. Unset variables leave the file value
// in place.
type Env struct {
	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS"`
	ValidationThreshold float64       `envconfig:"VALIDATION_THRESHOLD"`
	AgentTimeout        time.Duration `envconfig:"AGENT_TIMEOUT"`

	StoreDriver string `envconfig:"STORE_DRIVER"`
	StorePath   string `envconfig:"STORE_PATH"`
	StoreURL    string `envconfig:"STORE_URL"`

	Compiler   string `envconfig:"COMPILER"`
	DbtBinary  string `envconfig:"DBT_BINARY"`
	Comparator string `envconfig:"COMPARATOR"`
	SourceDSN  string `envconfig:"SOURCE_DSN"`
	TargetDSN  string `envconfig:"TARGET_DSN"`

	LLMProvider string `envconfig:"LLM_PROVIDER"`
	LLMBaseURL  string `envconfig:"LLM_BASE_URL"`
	LLMModel    string `envconfig:"LLM_MODEL"`
	LLMAPIKey   string `envconfig:"LLM_API_KEY"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`
}

// ApplyEnv overlays DBTMIGRATE_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e Env) apply(cfg *Config) {
	setInt(&cfg.Run.MaxAttempts, e.MaxAttempts)
	if e.ValidationThreshold != 0 {
		cfg.Run.ValidationThreshold = e.ValidationThreshold
	}
	if e.AgentTimeout != 0 {
		cfg.Run.AgentTimeout = e.AgentTimeout
	}
	setString(&cfg.Store.Driver, e.StoreDriver)
	setString(&cfg.Store.Path, e.StorePath)
	setString(&cfg.Store.URL, e.StoreURL)
	setString(&cfg.Backend.Compiler, e.Compiler)
	setString(&cfg.Backend.DbtBinary, e.DbtBinary)
	setString(&cfg.Backend.Comparator, e.Comparator)
	setString(&cfg.Backend.SourceDSN, e.SourceDSN)
	setString(&cfg.Backend.TargetDSN, e.TargetDSN)
	if e.LLMProvider != "" {
		cfg.LLM.Provider = llm.Provider(e.LLMProvider)
	}
	setString(&cfg.LLM.BaseURL, e.LLMBaseURL)
	setString(&cfg.LLM.Model, e.LLMModel)
	setString(&cfg.LLM.APIKey, e.LLMAPIKey)
	setString(&cfg.Logging.Level, e.LogLevel)
	setString(&cfg.Logging.Format, e.LogFormat)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Resolve loads the file at path and applies the environment on top.
func Resolve(path, workspace string) (*Config, error) {
	cfg, err := Load(path, workspace)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be repaired by defaults.
func (c *Config) Validate() error {
	if c.Run.MaxAttempts < 1 {
		return &framework.ConfigurationError{Field: "run.max_attempts", Reason: "must be at least 1"}
	}
	if c.Run.ValidationThreshold < 0 || c.Run.ValidationThreshold > 1 {
		return &framework.ConfigurationError{Field: "run.validation_threshold", Reason: "must be within [0, 1]"}
	}
	provider, err := llm.ParseProvider(string(c.LLM.Provider))
	if err != nil {
		return err
	}
	c.LLM.Provider = provider
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return &framework.ConfigurationError{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	return nil
}

// Get returns the value at a dotted key such as run.max_attempts.
func (c *Config) Get(key string) (string, error) {
	tree, err := toTree(c)
	if err != nil {
		return "", err
	}
	var node interface{} = tree
	for _, part := range splitKey(key) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("config key %q is not set", key)
		}
		if node, ok = m[part]; !ok {
			return "", fmt.Errorf("config key %q is not set", key)
		}
	}
	if m, ok := node.(map[string]interface{}); ok {
		out, err := yaml.Marshal(m)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	}
	return fmt.Sprint(node), nil
}

// Set assigns a YAML scalar to a dotted key. Unknown keys are rejected.
func (c *Config) Set(key, value string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.New("config key required")
	}
	tree, err := toTree(c)
	if err != nil {
		return err
	}
	var scalar interface{}
	if err := yaml.Unmarshal([]byte(value), &scalar); err != nil {
		return fmt.Errorf("parse value %q: %w", value, err)
	}
	if _, nested := scalar.(map[string]interface{}); nested {
		return fmt.Errorf("value for %s must be a scalar", key)
	}
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = scalar
	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	next := *c
	if err := decodeStrict(data, &next); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	*c = next
	return nil
}

// Keys lists the dotted keys currently present in cfg.
func (c *Config) Keys() ([]string, error) {
	tree, err := toTree(c)
	if err != nil {
		return nil, err
	}
	var keys []string
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, v := range m {
			if child, ok := v.(map[string]interface{}); ok {
				walk(prefix+k+".", child)
				continue
			}
			keys = append(keys, prefix+k)
		}
	}
	walk("", tree)
	sort.Strings(keys)
	return keys, nil
}

func splitKey(key string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimSpace(key), ".") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func toTree(c *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func decodeStrict(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
