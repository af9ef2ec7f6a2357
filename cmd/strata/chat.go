package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
)

func chatCmd() *cli.Command {
	var (
		prompt        string
		seed          int64
		stops         []string
		streamMode    string
		hideReasoning bool
		echoPrompt    bool
		enforceStops  bool
		showStats     bool
	)

	return &cli.Command{
		Name:    "chat",
		Aliases: []string{"run"},
		Usage:   "Chat with a model, interactively or one-shot with --prompt",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "send one message, print the reply and exit",
				Destination: &prompt,
			},
			&cli.IntFlag{
				Name:    "max-tokens",
				Aliases: []string{"steps", "n"},
				Usage:   "maximum tokens per reply (0 uses the model default)",
			},
			&cli.FloatFlag{
				Name:    "temp",
				Aliases: []string{"temperature", "t"},
				Usage:   "sampling temperature (0 is greedy)",
			},
			&cli.IntFlag{
				Name:    "top-k",
				Aliases: []string{"topk"},
				Usage:   "top-k sampling",
			},
			&cli.FloatFlag{
				Name:    "top-p",
				Aliases: []string{"topp"},
				Usage:   "top-p sampling",
			},
			&cli.FloatFlag{
				Name:  "repeat-penalty",
				Usage: "repetition penalty",
			},
			&cli.IntFlag{
				Name:  "repeat-last-n",
				Usage: "tokens considered for the repetition penalty",
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed (-1 for random)",
				Value:       -1,
				Destination: &seed,
			},
			&cli.StringSliceFlag{
				Name:        "stop",
				Usage:       "stop sequence (repeatable)",
				Destination: &stops,
			},
			&cli.BoolFlag{
				Name:        "enforce-stops",
				Usage:       "also stop on the prompt format's stop sequences",
				Value:       true,
				Destination: &enforceStops,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "hide-reasoning",
				Usage:       "do not print <think> blocks",
				Destination: &hideReasoning,
			},
			&cli.BoolFlag{
				Name:        "echo-prompt",
				Usage:       "print the formatted prompt before the reply",
				Destination: &echoPrompt,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print token counts and speed after each reply",
				Value:       true,
				Destination: &showStats,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyChatConfig(c, appConfig, &seed, &streamMode)

			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}

			path, err := resolveRunModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			loader := inference.Loader{
				Plugin:       discoverOptions(),
				NCtx:         nCtx,
				SystemPrompt: system,
				Flavor:       flavor,
				MaxDecode:    maxDecode,
				Log:          log,
			}
			start := time.Now()
			loaded, err := loader.Load(ctx, path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			sess := loaded.Engine
			defer func() { _ = sess.Close() }()
			log.Info("model loaded", "path", path, "plugin", loaded.Model.Plugin.ID, "duration", time.Since(start).Round(time.Millisecond))

			opts := chatRequestOptions(c, seed, stops)
			opts.EnforceStops = &enforceStops
			opts.EchoPrompt = &echoPrompt
			req := inference.ResolveRequest(opts, appConfig.Generation)

			t := &chatTurn{
				sess:          sess,
				req:           req,
				mode:          mode,
				hideReasoning: hideReasoning,
				showStats:     showStats,
				out:           os.Stdout,
				stats:         os.Stderr,
			}

			if prompt != "" {
				return t.reply(ctx, prompt)
			}
			// Echo only makes sense for the one-shot prompt.
			t.req.EchoPrompt = false
			return chatLoop(ctx, t, newLineReader(os.Stdin, os.Stdout, "> "))
		},
	}
}

// chatRequestOptions maps the sampling flags that were set onto request
// options. Unset flags fall through to the config and backend defaults.
func chatRequestOptions(c *cli.Command, seed int64, stops []string) inference.RequestOptions {
	var opts inference.RequestOptions
	if c.IsSet("max-tokens") {
		v := c.Int("max-tokens")
		opts.MaxTokens = &v
	}
	if c.IsSet("temp") {
		v := c.Float("temp")
		opts.Temperature = &v
	}
	if c.IsSet("top-k") {
		v := c.Int("top-k")
		opts.TopK = &v
	}
	if c.IsSet("top-p") {
		v := c.Float("top-p")
		opts.TopP = &v
	}
	if c.IsSet("repeat-penalty") {
		v := c.Float("repeat-penalty")
		opts.RepeatPenalty = &v
	}
	if c.IsSet("repeat-last-n") {
		v := c.Int("repeat-last-n")
		opts.RepeatLastN = &v
	}
	if seed >= 0 {
		opts.Seed = &seed
	}
	for _, s := range stops {
		if s != "" {
			opts.Stop = append(opts.Stop, s)
		}
	}
	return opts
}

// chatSession is the part of inference.Session the chat loop drives.
type chatSession interface {
	Send(ctx context.Context, text string, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error)
	Reset()
	SetSystemPrompt(system string)
}

type chatTurn struct {
	sess          chatSession
	req           inference.Request
	mode          StreamMode
	hideReasoning bool
	showStats     bool
	out           io.Writer
	stats         io.Writer
}

// reply sends text and streams the answer. Ctrl+C while the reply streams
// cancels the reply, not the program.
func (t *chatTurn) reply(ctx context.Context, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	w := NewStreamWriter(t.out, t.mode)
	var split *inference.ReasoningSplitter
	if t.hideReasoning {
		split = &inference.ReasoningSplitter{}
	}
	emit := func(delta string) {
		if split != nil {
			delta, _ = split.Push(delta)
		}
		if delta != "" {
			w.Write(delta)
		}
	}

	req := t.req
	res, err := t.sess.Send(turnCtx, text, &req, emit)
	if split != nil {
		if content, _ := split.Flush(); content != "" {
			w.Write(content)
		}
	}
	w.Close()
	_, _ = fmt.Fprintln(t.out)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			_, _ = fmt.Fprintln(t.stats, "[interrupted]")
			return nil
		}
		return err
	}
	if res.FinishReason == inference.FinishCancelled && ctx.Err() == nil {
		_, _ = fmt.Fprintln(t.stats, "[interrupted]")
		return nil
	}
	if t.showStats {
		_, _ = fmt.Fprintln(t.stats, formatStats(res))
	}
	return nil
}

func formatStats(res *inference.Result) string {
	s := res.Stats
	return fmt.Sprintf("[%d prompt tokens (%d reused), %d generated in %s, %.2f tok/s, finish=%s]",
		s.PromptTokens, s.ReusedTokens, s.GeneratedTokens, s.Duration.Round(time.Millisecond), s.TPS, res.FinishReason)
}

// chatLoop reads lines until end of input or /exit. Lines starting with a
// slash are commands.
func chatLoop(ctx context.Context, t *chatTurn, in interface{ ReadLine() (string, error) }) error {
	_, _ = fmt.Fprintln(t.stats, "Interactive mode. /exit quits, /reset clears the dialog, /system <text> sets the system prompt.")
	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if name, arg, ok := parseChatCommand(line); ok {
			switch name {
			case "exit", "quit":
				return nil
			case "reset":
				t.sess.Reset()
				_, _ = fmt.Fprintln(t.stats, "[dialog cleared]")
			case "system":
				t.sess.SetSystemPrompt(arg)
				_, _ = fmt.Fprintln(t.stats, "[system prompt set]")
			default:
				_, _ = fmt.Fprintf(t.stats, "unknown command /%s\n", name)
			}
			continue
		}
		line = strings.TrimPrefix(line, "/")

		if err := t.reply(ctx, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// parseChatCommand splits "/name arg" lines. A line of two slashes escapes a
// message that starts with a slash.
func parseChatCommand(line string) (name, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), name != ""
}
