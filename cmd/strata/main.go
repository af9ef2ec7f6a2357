package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "strata",
		Usage:   "Run chat models through runtime-loaded inference backends",
		Version: version.String(),
		Flags:   globalFlags(),
		Before:  setup,
		After:   teardown,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			chatCmd(),
			serveCmd(),
			installCmd(),
			hwprofCmd(),
			inspectCmd(),
			modelsCmd(),
			versionCmd(),
		},
	}
}
