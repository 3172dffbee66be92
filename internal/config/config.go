// Package config resolves the substrate's process-wide configuration in
// four layers — built-in defaults, an optional config file, environment
// variables, then explicit overrides — each layer only replacing fields
// the one before it actually set. Grounded on the teacher's
// internal/config/yaml_config.go split between settings read before the
// store opens and settings read after (here: every key is a "before the
// store opens" key, since the substrate has no SQLite-backed config
// table to defer to), decoded with the teacher's own file-format
// dependencies (BurntSushi/toml, yaml.v3) rather than through viper's
// internal codec, so those two deps are exercised directly.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/swarmgrid/substrate/internal/errs"
)

// Config is the fully resolved process configuration (spec.md §6).
type Config struct {
	DatabaseURL       string `toml:"databaseUrl" yaml:"databaseUrl"`
	GlobalDBPath      string `toml:"globalDbPath" yaml:"globalDbPath"`
	EmbedderHost      string `toml:"embedderHost" yaml:"embedderHost"`
	EmbedderModel     string `toml:"embedderModel" yaml:"embedderModel"`
	EmbedderTimeoutMs int    `toml:"embedderTimeoutMs" yaml:"embedderTimeoutMs"`
	DebugNamespaces   string `toml:"debugNamespaces" yaml:"debugNamespaces"`

	StreamAddr  string `toml:"streamAddr" yaml:"streamAddr"`
	StreamToken string `toml:"streamToken" yaml:"streamToken"`

	AnthropicAPIKey string `toml:"anthropicApiKey" yaml:"anthropicApiKey"`
	AnthropicModel  string `toml:"anthropicModel" yaml:"anthropicModel"`

	WorkerCount     int `toml:"workerCount" yaml:"workerCount"`
	WorkerQueueSize int `toml:"workerQueueSize" yaml:"workerQueueSize"`
}

// Defaults returns the built-in configuration baseline, the first
// (lowest-priority) layer.
func Defaults() Config {
	return Config{
		DatabaseURL:       ":memory:",
		GlobalDBPath:      defaultGlobalDBPath(),
		EmbedderHost:      "http://localhost:8088",
		EmbedderModel:     "nomic-embed-text",
		EmbedderTimeoutMs: 10_000,
		DebugNamespaces:   "",
		StreamAddr:        ":8090",
		StreamToken:       "",
		AnthropicAPIKey:   "",
		AnthropicModel:    "claude-haiku-4-5",
		WorkerCount:       4,
		WorkerQueueSize:   256,
	}
}

func defaultGlobalDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "swarm-tools", "swarm.db")
}

// Overrides mirrors Config with pointer fields so a file/env layer can
// report "unset" distinctly from "set to the zero value".
type Overrides struct {
	DatabaseURL       *string `toml:"databaseUrl" yaml:"databaseUrl"`
	GlobalDBPath      *string `toml:"globalDbPath" yaml:"globalDbPath"`
	EmbedderHost      *string `toml:"embedderHost" yaml:"embedderHost"`
	EmbedderModel     *string `toml:"embedderModel" yaml:"embedderModel"`
	EmbedderTimeoutMs *int    `toml:"embedderTimeoutMs" yaml:"embedderTimeoutMs"`
	DebugNamespaces   *string `toml:"debugNamespaces" yaml:"debugNamespaces"`
	StreamAddr        *string `toml:"streamAddr" yaml:"streamAddr"`
	StreamToken       *string `toml:"streamToken" yaml:"streamToken"`
	AnthropicAPIKey   *string `toml:"anthropicApiKey" yaml:"anthropicApiKey"`
	AnthropicModel    *string `toml:"anthropicModel" yaml:"anthropicModel"`
	WorkerCount       *int    `toml:"workerCount" yaml:"workerCount"`
	WorkerQueueSize   *int    `toml:"workerQueueSize" yaml:"workerQueueSize"`
}

func (p Overrides) applyTo(c *Config) {
	if p.DatabaseURL != nil {
		c.DatabaseURL = *p.DatabaseURL
	}
	if p.GlobalDBPath != nil {
		c.GlobalDBPath = *p.GlobalDBPath
	}
	if p.EmbedderHost != nil {
		c.EmbedderHost = *p.EmbedderHost
	}
	if p.EmbedderModel != nil {
		c.EmbedderModel = *p.EmbedderModel
	}
	if p.EmbedderTimeoutMs != nil {
		c.EmbedderTimeoutMs = *p.EmbedderTimeoutMs
	}
	if p.DebugNamespaces != nil {
		c.DebugNamespaces = *p.DebugNamespaces
	}
	if p.StreamAddr != nil {
		c.StreamAddr = *p.StreamAddr
	}
	if p.StreamToken != nil {
		c.StreamToken = *p.StreamToken
	}
	if p.AnthropicAPIKey != nil {
		c.AnthropicAPIKey = *p.AnthropicAPIKey
	}
	if p.AnthropicModel != nil {
		c.AnthropicModel = *p.AnthropicModel
	}
	if p.WorkerCount != nil {
		c.WorkerCount = *p.WorkerCount
	}
	if p.WorkerQueueSize != nil {
		c.WorkerQueueSize = *p.WorkerQueueSize
	}
}

// LoadFile decodes a config.toml or config.yaml/config.yml file, dispatching
// on extension. A missing file is not an error — callers layer file config
// on top of Defaults() and it's valid to have none.
func LoadFile(path string) (Overrides, error) {
	var p Overrides
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, errs.Wrap("read config file", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &p); err != nil {
			return p, errs.Wrap("decode config.toml", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return p, errs.Wrap("decode config.yaml", err)
		}
	default:
		return p, errs.Wrapf(errs.Invalid, "unsupported config file extension %q", ext)
	}
	return p, nil
}

// envPrefix is the environment variable namespace, e.g. SWARM_DATABASE_URL.
const envPrefix = "SWARM_"

// envKeys maps each field's env suffix to a setter closure, so FromEnv can
// walk one table instead of one `if v, ok := os.LookupEnv(...)` block per
// field.
var envKeys = map[string]func(*Overrides, string) error{
	"DATABASE_URL":        setString(func(p *Overrides) **string { return &p.DatabaseURL }),
	"GLOBAL_DB_PATH":      setString(func(p *Overrides) **string { return &p.GlobalDBPath }),
	"EMBEDDER_HOST":       setString(func(p *Overrides) **string { return &p.EmbedderHost }),
	"EMBEDDER_MODEL":      setString(func(p *Overrides) **string { return &p.EmbedderModel }),
	"EMBEDDER_TIMEOUT_MS": setInt(func(p *Overrides) **int { return &p.EmbedderTimeoutMs }),
	"DEBUG":               setString(func(p *Overrides) **string { return &p.DebugNamespaces }),
	"STREAM_ADDR":         setString(func(p *Overrides) **string { return &p.StreamAddr }),
	"STREAM_TOKEN":        setString(func(p *Overrides) **string { return &p.StreamToken }),
	"ANTHROPIC_API_KEY":   setString(func(p *Overrides) **string { return &p.AnthropicAPIKey }),
	"ANTHROPIC_MODEL":     setString(func(p *Overrides) **string { return &p.AnthropicModel }),
	"WORKER_COUNT":        setInt(func(p *Overrides) **int { return &p.WorkerCount }),
	"WORKER_QUEUE_SIZE":   setInt(func(p *Overrides) **int { return &p.WorkerQueueSize }),
}

func setString(field func(*Overrides) **string) func(*Overrides, string) error {
	return func(p *Overrides, v string) error {
		*field(p) = &v
		return nil
	}
}

func setInt(field func(*Overrides) **int) func(*Overrides, string) error {
	return func(p *Overrides, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(p) = &n
		return nil
	}
}

// FromEnv reads SWARM_* environment variables into an Overrides layer.
func FromEnv() (Overrides, error) {
	var p Overrides
	for suffix, set := range envKeys {
		v, ok := os.LookupEnv(envPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(&p, v); err != nil {
			return p, errs.Wrapf(errs.Invalid, "env %s%s: %v", envPrefix, suffix, err)
		}
	}
	return p, nil
}

// Load resolves the full layered configuration: Defaults() -> file at
// configPath (if non-empty) -> environment -> overrides.
func Load(configPath string, overrides Overrides) (Config, error) {
	cfg := Defaults()

	if configPath != "" {
		filePartial, err := LoadFile(configPath)
		if err != nil {
			return cfg, err
		}
		filePartial.applyTo(&cfg)
	}

	envPartial, err := FromEnv()
	if err != nil {
		return cfg, err
	}
	envPartial.applyTo(&cfg)

	overrides.applyTo(&cfg)

	if cfg.DatabaseURL == "" {
		return cfg, errs.Wrapf(errs.Invalid, "config: databaseUrl must not be empty")
	}
	return cfg, nil
}
