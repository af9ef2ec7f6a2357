package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/plugin"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	logFile    string
	debug      bool

	modelPath  string
	modelsPath string
	nCtx       int
	pluginPath string
	runtimeDir string
	flavor     string
	system     string
	maxDecode  int

	appConfig Config
	logCloser io.Closer
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (.yaml, .yml, .toml or .json); default ~/.config/strata/config.*",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, tint, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "also write JSON logs to this file, rotated",
			Destination: &logFile,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .gguf model",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing .gguf models (default $STRATA_MODELS_DIR or <data>/Strata/models)",
			Destination: &modelsPath,
		},
		&cli.IntFlag{
			Name:        "ctx",
			Aliases:     []string{"n-ctx", "c"},
			Usage:       "context window to request from the backend (0 lets the backend choose)",
			Destination: &nCtx,
		},
		&cli.StringFlag{
			Name:        "plugin",
			Usage:       "explicit backend plugin library (overrides $STRATA_PLUGIN_PATH)",
			Destination: &pluginPath,
		},
		&cli.StringFlag{
			Name:        "runtime-dir",
			Usage:       "runtime root holding runtime.json (overrides $STRATA_RUNTIME_DIR)",
			Destination: &runtimeDir,
		},
		&cli.StringFlag{
			Name:        "flavor",
			Usage:       "force the fallback prompt format (chatml, phi3, inst, user-assistant, plain)",
			Destination: &flavor,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "system prompt",
			Destination: &system,
		},
		&cli.IntFlag{
			Name:        "max-decode",
			Usage:       "hard cap on generated tokens per reply (overrides $STRATA_MAX_DECODE_TOKENS)",
			Destination: &maxDecode,
		},
	}
}

func discoverOptions() plugin.DiscoverOptions {
	return plugin.DiscoverOptions{Path: pluginPath, RuntimeRoot: runtimeDir}
}

// setup loads the config file and installs the process logger into ctx.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, src, err := loadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit("error: "+err.Error(), 1)
	}
	appConfig = cfg
	applyLogConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, cli.Exit("error: "+err.Error(), 1)
	}
	log, closer, err := logger.Setup(logger.Options{
		Format:  format,
		Level:   level,
		File:    strings.TrimSpace(logFile),
		Console: os.Stderr,
	})
	if err != nil {
		return ctx, cli.Exit("error: "+err.Error(), 1)
	}
	logCloser = closer
	if src != "" {
		log.Debug("config loaded", "path", src)
	}
	return logger.WithContext(ctx, log), nil
}

func teardown(context.Context, *cli.Command) error {
	if logCloser == nil {
		return nil
	}
	return logCloser.Close()
}
