package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/installer"
	"github.com/samcharles93/strata/internal/logger"
)

func installCmd() *cli.Command {
	var (
		manifest string
		variant  string
		dryRun   bool
	)

	return &cli.Command{
		Name:      "install",
		Usage:     "Download, verify and activate backend runtime packs",
		ArgsUsage: "[manifest path or URL]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "manifest",
				Usage:       "runtime manifest, a local path or an http(s) URL",
				Destination: &manifest,
			},
			&cli.StringFlag{
				Name:        "variant",
				Usage:       "GPU pack to install next to cpu (auto, cpu, cuda, vulkan, metal)",
				Value:       backend.Auto,
				Destination: &variant,
			},
			&cli.StringFlag{
				Name:        "runtime-dir",
				Usage:       "runtime root (overrides $STRATA_RUNTIME_DIR)",
				Destination: &runtimeDir,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "print the install plan without downloading",
				Destination: &dryRun,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyInstallConfig(c, appConfig, &manifest, &variant)
			if arg := c.Args().First(); arg != "" {
				manifest = arg
			}
			if manifest == "" {
				return cli.Exit("error: a manifest path or URL is required", 1)
			}

			in, err := installer.New(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if runtimeDir != "" {
				in.Root = runtimeDir
			}
			in.Progress = progressLogger(log)

			m, err := installer.FetchManifest(ctx, in.Client, manifest)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: manifest: %v", err), 1)
			}

			prof, err := hwprof.LoadOrDetect(ctx, log)
			if err != nil {
				log.Warn("hardware probe failed, installing cpu only", "error", err)
				prof = nil
			}

			if dryRun {
				entries, choice, err := installer.ChooseVariants(m, in.Platform, variant, prof)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				return writeJSON(os.Stdout, struct {
					Choice  installer.Choice  `json:"choice"`
					Entries []installer.Entry `json:"entries"`
				}{choice, entries})
			}

			res, err := in.Install(ctx, m, variant, prof)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: install: %v", err), 1)
			}
			return writeJSON(os.Stdout, res)
		},
	}
}

// progressLogger logs each stage change once per pack.
func progressLogger(log logger.Logger) func(installer.Progress) {
	last := map[string]string{}
	return func(p installer.Progress) {
		if last[p.Variant] == p.Stage {
			return
		}
		last[p.Variant] = p.Stage
		if p.Stage == installer.StageDone {
			return
		}
		log.Info("install progress", "variant", p.Variant, "stage", p.Stage, "total", p.Total)
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
