package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metadata"
)

func modelsCmd() *cli.Command {
	var (
		asJSON  bool
		noIndex bool
	)

	return &cli.Command{
		Name:    "models",
		Aliases: []string{"ls", "list-models"},
		Usage:   "List models with their cached metadata",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "directory containing models (default $STRATA_MODELS_DIR or <data>/Strata/models)",
				Destination: &modelsPath,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print entries and metadata as JSON",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "no-index",
				Usage:       "skip reading model headers",
				Destination: &noIndex,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if appConfig.ModelsDir != "" && !c.IsSet("models-path") {
				modelsPath = appConfig.ModelsDir
			}
			dir, err := resolveModelsDir(modelsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			entries, err := metadata.Scan(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: scan %s: %v", dir, err), 1)
			}
			if len(entries) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			listed := make([]listedModel, len(entries))
			for i, e := range entries {
				listed[i].ModelEntry = e
			}
			if !noIndex {
				index, err := openIndex(log)
				if err != nil {
					log.Warn("model metadata cache disabled", "error", err)
				} else {
					attachMeta(ctx, log, index, entries, listed)
				}
			}

			if asJSON {
				return writeJSON(os.Stdout, listed)
			}
			return printModels(os.Stdout, dir, listed)
		},
	}
}

type listedModel struct {
	metadata.ModelEntry
	Meta *metadata.ModelMeta `json:"meta,omitempty"`
}

func attachMeta(ctx context.Context, log logger.Logger, index *metadata.Index, entries []metadata.ModelEntry, listed []listedModel) {
	err := index.Build(ctx, entries, func(p metadata.Progress) {
		if p.Err != nil {
			log.Debug("metadata unavailable", "model", p.Entry.ID, "error", p.Err)
		}
	})
	if err != nil {
		log.Warn("model indexing stopped", "error", err)
	}
	for i := range listed {
		if meta, ok := index.Get(listed[i].ID); ok {
			listed[i].Meta = &meta
		}
	}
}

func printModels(w io.Writer, dir string, models []listedModel) error {
	_, _ = fmt.Fprintf(w, "Models in %s:\n\n", dir)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range models {
		family, quant, ctxLen := m.Family, "", ""
		if m.Meta != nil {
			if m.Meta.Family != nil {
				family = *m.Meta.Family
			}
			if m.Meta.Quantization != nil {
				quant = *m.Meta.Quantization
			}
			if m.Meta.ContextLength != nil {
				ctxLen = fmt.Sprintf("ctx %d", *m.Meta.ContextLength)
			}
		}
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", m.ID, formatModelSize(m.Size), family, quant, ctxLen)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d model(s) found\n", len(models))
	return err
}

func formatModelSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
