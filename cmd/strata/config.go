package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/inference"
)

// Config is the strata configuration file (~/.config/strata/config.yaml,
// .yml, .toml or .json). Pointer fields distinguish "not set" from zero
// values. Flags always win over the file.
type Config struct {
	ModelsDir  string `yaml:"models_dir" toml:"models_dir" json:"models_dir"`
	PluginPath string `yaml:"plugin_path" toml:"plugin_path" json:"plugin_path"`
	RuntimeDir string `yaml:"runtime_dir" toml:"runtime_dir" json:"runtime_dir"`
	NCtx       *int   `yaml:"n_ctx" toml:"n_ctx" json:"n_ctx"`
	MaxDecode  *int   `yaml:"max_decode" toml:"max_decode" json:"max_decode"`
	System     string `yaml:"system" toml:"system" json:"system"`
	Flavor     string `yaml:"flavor" toml:"flavor" json:"flavor"`

	// Generation holds sampling defaults applied under request values.
	Generation inference.GenDefaults `yaml:"generation" toml:"generation" json:"generation"`
	Seed       *int64                `yaml:"seed" toml:"seed" json:"seed"`

	// Install
	Variant  string `yaml:"variant" toml:"variant" json:"variant"`
	Manifest string `yaml:"manifest" toml:"manifest" json:"manifest"`

	// Output
	StreamMode string `yaml:"stream_mode" toml:"stream_mode" json:"stream_mode"`
	LogLevel   string `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFormat  string `yaml:"log_format" toml:"log_format" json:"log_format"`
	LogFile    string `yaml:"log_file" toml:"log_file" json:"log_file"`

	// Server
	ServerAddress string `yaml:"server_address" toml:"server_address" json:"server_address"`
}

var configNames = []string{"config.yaml", "config.yml", "config.toml", "config.json"}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata")
}

// findConfig returns the first config file present in dir, in configNames
// order, or "".
func findConfig(dir string) string {
	if dir == "" {
		return ""
	}
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path
		}
	}
	return ""
}

// loadConfig reads explicit, or the first default config file when explicit
// is empty. A missing default file yields a zero Config; a missing explicit
// file or a file that does not parse is an error.
func loadConfig(explicit string) (Config, string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		if path = findConfig(configDir()); path == "" {
			return Config{}, "", nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit == "" && errors.Is(err, fs.ErrNotExist) {
			return Config{}, "", nil
		}
		return Config{}, "", fmt.Errorf("read config: %w", err)
	}
	cfg, err := parseConfig(path, data)
	if err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

func parseConfig(path string, data []byte) (Config, error) {
	var cfg Config
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".json":
		// Comments and trailing commas are allowed.
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.LogFile != "" && !c.IsSet("log-file") {
		logFile = cfg.LogFile
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.PluginPath != "" && !c.IsSet("plugin") {
		pluginPath = cfg.PluginPath
	}
	if cfg.RuntimeDir != "" && !c.IsSet("runtime-dir") {
		runtimeDir = cfg.RuntimeDir
	}
	if cfg.NCtx != nil && !c.IsSet("ctx") {
		nCtx = *cfg.NCtx
	}
	if cfg.MaxDecode != nil && !c.IsSet("max-decode") {
		maxDecode = *cfg.MaxDecode
	}
	if cfg.System != "" && !c.IsSet("system") {
		system = cfg.System
	}
	if cfg.Flavor != "" && !c.IsSet("flavor") {
		flavor = cfg.Flavor
	}
}

// applyChatConfig applies config file defaults to chat-only flags.
func applyChatConfig(c *cli.Command, cfg Config, seed *int64, streamMode *string) {
	applyModelConfig(c, cfg)
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// applyInstallConfig applies config file defaults to install flags.
func applyInstallConfig(c *cli.Command, cfg Config, manifest, variant *string) {
	if cfg.Manifest != "" && !c.IsSet("manifest") {
		*manifest = cfg.Manifest
	}
	if cfg.Variant != "" && !c.IsSet("variant") {
		*variant = cfg.Variant
	}
	if cfg.RuntimeDir != "" && !c.IsSet("runtime-dir") {
		runtimeDir = cfg.RuntimeDir
	}
}
