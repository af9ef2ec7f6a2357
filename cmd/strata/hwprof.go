package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/logger"
)

func hwprofCmd() *cli.Command {
	var (
		refresh  bool
		validate bool
	)

	return &cli.Command{
		Name:  "hwprof",
		Usage: "Print the cached hardware profile, detecting it when missing",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "refresh",
				Usage:       "re-run detection and replace the cache",
				Destination: &refresh,
			},
			&cli.BoolFlag{
				Name:        "validate",
				Usage:       "re-detect only when the hardware fingerprint changed",
				Destination: &validate,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cache, err := hwprof.NewCache(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var prof *hwprof.Profile
			switch {
			case refresh:
				prof, err = cache.Refresh(ctx)
			case validate:
				var changed bool
				prof, changed, err = cache.ValidateOrRedetect(ctx)
				if err == nil && changed {
					log.Info("hardware changed, profile re-detected", "path", cache.Path)
				}
			default:
				prof, err = cache.LoadOrDetect(ctx)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: hardware profile: %v", err), 1)
			}
			log.Debug("hardware profile", "path", cache.Path, "preferred", prof.Preference())
			return writeJSON(os.Stdout, prof)
		},
	}
}
