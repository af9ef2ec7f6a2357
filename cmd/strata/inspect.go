package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metadata"
	"github.com/samcharles93/strata/internal/plugin"
)

func inspectCmd() *cli.Command {
	var (
		asJSON    bool
		showRaw   bool
		usePlugin bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the metadata of a model file",
		ArgsUsage: "<model>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the full metadata as JSON",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "also print every raw key the provider scraped",
				Destination: &showRaw,
			},
			&cli.BoolFlag{
				Name:        "use-plugin",
				Usage:       "ask the backend plugin first, falling back to the built-in GGUF reader",
				Destination: &usePlugin,
			},
			&cli.StringFlag{
				Name:        "plugin",
				Usage:       "explicit backend plugin library (overrides $STRATA_PLUGIN_PATH)",
				Destination: &pluginPath,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			path := c.Args().First()
			if path == "" {
				return cli.Exit("error: inspect needs a model path", 1)
			}

			registry := metadata.NewRegistry(metadata.GGUFProvider{})
			if usePlugin {
				h, err := plugin.Load(plugin.DiscoverOptions{Path: pluginPath, Logger: log})
				if err != nil {
					log.Warn("plugin unavailable, using built-in metadata", "error", err)
				} else {
					registry.Prepend(plugin.NewMetadataProvider(h.Table))
				}
			}

			info, err := registry.Collect(ctx, path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: inspect %s: %v", path, err), 1)
			}
			if asJSON {
				return writeJSON(os.Stdout, info)
			}
			return printModelInfo(os.Stdout, info, showRaw)
		},
	}
}

func printModelInfo(w io.Writer, info *metadata.ModelCoreInfo, raw bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	row("path", info.Path)
	row("name", deref(info.Name))
	row("family", deref(info.Family))
	row("backend", info.Backend)
	row("file type", info.FileType)
	row("quantization", deref(info.Quantization))
	row("context length", derefUint(info.ContextLength))
	row("vocab size", derefUint(info.VocabSize))
	row("bos token", derefInt(info.BOSTokenID))
	row("eos token", derefInt(info.EOSTokenID))
	if info.ChatTemplate != nil && *info.ChatTemplate != "" {
		row("chat template", fmt.Sprintf("yes (%d bytes)", len(*info.ChatTemplate)))
	} else {
		row("chat template", "no")
	}
	row("prompt flavor", deref(info.PromptFlavorHint))

	if raw && len(info.Raw) > 0 {
		keys := make([]string, 0, len(info.Raw))
		for k := range info.Raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = fmt.Fprintln(tw)
		for _, k := range keys {
			row(k, info.Raw[k])
		}
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func derefUint(v *uint32) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func derefInt(v *int32) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(int64(*v), 10)
}
