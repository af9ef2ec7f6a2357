package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metadata"
	"github.com/samcharles93/strata/internal/paths"
	"github.com/samcharles93/strata/internal/plugin"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		preload     bool
		watch       bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the chat completions and sessions REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "preload",
				Usage:       "load the default model before accepting requests",
				Destination: &preload,
			},
			&cli.BoolFlag{
				Name:        "watch-runtime",
				Usage:       "refresh /v1/runtime when the runtime descriptor changes",
				Value:       true,
				Destination: &watch,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, appConfig, &addr)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			modelsDir, err := resolveModelsDir(modelsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: models dir: %v", err), 1)
			}
			index, err := openIndex(log)
			if err != nil {
				log.Warn("model metadata cache disabled", "error", err)
			}

			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsDir,
				Defaults:         appConfig.Generation,
				Loader: inference.Loader{
					Plugin:       discoverOptions(),
					NCtx:         nCtx,
					SystemPrompt: system,
					Flavor:       flavor,
					MaxDecode:    maxDecode,
					Log:          log,
				},
				Index: index,
				Log:   log,
			})
			defer func() { _ = provider.Close() }()

			if preload {
				err := provider.WithEngine(ctx, "", func(inference.Engine, inference.GenDefaults) error { return nil })
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: preload model: %v", err), 1)
				}
			}
			if index != nil {
				go indexModels(ctx, log, index, modelsDir)
			}

			state, err := runtimeState(ctx, log, watch)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: runtime state: %v", err), 1)
			}

			server := api.NewServer(provider,
				api.WithRuntime(state),
				api.WithMetrics(api.NewMetrics()),
				api.WithLogger(log.With("component", "api")),
			)
			defer func() { _ = server.Close() }()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "models", modelsDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func openIndex(log logger.Logger) (*metadata.Index, error) {
	dir, err := paths.MetaDir()
	if err != nil {
		return nil, err
	}
	if _, err := paths.Ensure(dir); err != nil {
		return nil, err
	}
	return metadata.NewIndex(dir, metadata.NewRegistry(metadata.GGUFProvider{}), log), nil
}

// indexModels warms the metadata cache for every model under dir.
func indexModels(ctx context.Context, log logger.Logger, index *metadata.Index, dir string) {
	entries, err := metadata.Scan(dir)
	if err != nil {
		log.Debug("skip model indexing", "dir", dir, "error", err)
		return
	}
	err = index.Build(ctx, entries, func(p metadata.Progress) {
		if p.Err != nil {
			log.Warn("index model", "model", p.Entry.ID, "error", p.Err)
			return
		}
		log.Debug("indexed model", "model", p.Entry.ID, "done", p.Done, "total", p.Total)
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("model indexing stopped", "error", err)
	}
}

// runtimeState builds the /v1/runtime reporter and, when watch is set, keeps
// its descriptor current until ctx is done.
func runtimeState(ctx context.Context, log logger.Logger, watch bool) (*api.RuntimeState, error) {
	root := runtimeDir
	if root == "" {
		r, err := paths.RuntimeRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}

	hw, err := hwprof.NewCache(log)
	if err != nil {
		log.Warn("hardware profile unavailable", "error", err)
		hw = nil
	}
	state := api.NewRuntimeState(root, hw)
	if !watch {
		return state, nil
	}

	if _, err := paths.Ensure(root); err != nil {
		return nil, err
	}
	go func() {
		if err := plugin.WatchDescriptor(logger.WithContext(ctx, log), root, state.SetDescriptor); err != nil {
			log.Warn("runtime descriptor watch stopped", "root", root, "error", err)
		}
	}()
	return state, nil
}
