package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/inference"
)

type fakeChatSession struct {
	reply  string
	finish string
	err    error
	sent   []string
	reqs   []inference.Request
	system string
	resets int
}

func (s *fakeChatSession) Send(ctx context.Context, text string, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	s.sent = append(s.sent, text)
	s.reqs = append(s.reqs, *req)
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.reply {
		stream(string(r))
	}
	finish := s.finish
	if finish == "" {
		finish = inference.FinishStop
	}
	return &inference.Result{
		Text:         s.reply,
		FinishReason: finish,
		Stats:        engine.Stats{PromptTokens: 5, ReusedTokens: 2, GeneratedTokens: 3},
	}, nil
}

func (s *fakeChatSession) Reset()                        { s.resets++ }
func (s *fakeChatSession) SetSystemPrompt(system string) { s.system = system }

type scriptedLines []string

func (l *scriptedLines) ReadLine() (string, error) {
	if len(*l) == 0 {
		return "", io.EOF
	}
	line := (*l)[0]
	*l = (*l)[1:]
	return line, nil
}

func newTestTurn(sess chatSession) (*chatTurn, *bytes.Buffer, *bytes.Buffer) {
	var out, stats bytes.Buffer
	return &chatTurn{
		sess:      sess,
		req:       inference.ResolveRequest(inference.RequestOptions{}, inference.GenDefaults{}),
		mode:      StreamInstant,
		showStats: true,
		out:       &out,
		stats:     &stats,
	}, &out, &stats
}

func TestChatLoopCommands(t *testing.T) {
	t.Parallel()

	sess := &fakeChatSession{reply: "hi"}
	turn, out, stats := newTestTurn(sess)
	lines := scriptedLines{"", "hello", "/system be brief", "/reset", "//slash message", "/bogus", "/exit", "never sent"}

	require.NoError(t, chatLoop(context.Background(), turn, &lines))
	assert.Equal(t, []string{"hello", "/slash message"}, sess.sent)
	assert.Equal(t, "be brief", sess.system)
	assert.Equal(t, 1, sess.resets)
	assert.Equal(t, "hi\nhi\n", out.String())
	assert.Contains(t, stats.String(), "unknown command /bogus")
	assert.Contains(t, stats.String(), "5 prompt tokens (2 reused), 3 generated")
}

func TestChatReplyHidesReasoning(t *testing.T) {
	t.Parallel()

	sess := &fakeChatSession{reply: "<think>plan</think>answer"}
	turn, out, _ := newTestTurn(sess)
	turn.hideReasoning = true
	turn.showStats = false

	require.NoError(t, turn.reply(context.Background(), "q"))
	assert.Equal(t, "answer\n", out.String())
}

func TestChatReplyErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend call failed")
	turn, _, _ := newTestTurn(&fakeChatSession{err: boom})
	assert.ErrorIs(t, turn.reply(context.Background(), "q"), boom)

	turn, _, stats := newTestTurn(&fakeChatSession{err: context.Canceled})
	require.NoError(t, turn.reply(context.Background(), "q"), "an interrupted reply is not fatal")
	assert.Contains(t, stats.String(), "[interrupted]")
}

func TestChatReplyCancelledKeepsPartialText(t *testing.T) {
	t.Parallel()

	turn, out, stats := newTestTurn(&fakeChatSession{reply: "half an ans", finish: inference.FinishCancelled})
	require.NoError(t, turn.reply(context.Background(), "q"))
	assert.Equal(t, "half an ans\n", out.String())
	assert.Contains(t, stats.String(), "[interrupted]")
	assert.NotContains(t, stats.String(), "finish=")
}

func TestParseChatCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		name      string
		arg       string
		isCommand bool
	}{
		{"/exit", "exit", "", true},
		{"/SYSTEM  you are terse ", "system", "you are terse", true},
		{"//not a command", "", "", false},
		{"plain text", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		name, arg, ok := parseChatCommand(tt.line)
		if name != tt.name || arg != tt.arg || ok != tt.isCommand {
			t.Fatalf("parseChatCommand(%q) = %q, %q, %v", tt.line, name, arg, ok)
		}
	}
}

func TestChatRequestOptionsOnlySetFlags(t *testing.T) {
	var got inference.RequestOptions
	cmd := chatCmd()
	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		got = chatRequestOptions(c, 42, []string{"END", ""})
		return nil
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"chat", "--temp", "0.5", "--top-k", "7"}))

	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.5, *got.Temperature)
	require.NotNil(t, got.TopK)
	assert.Equal(t, 7, *got.TopK)
	assert.Nil(t, got.TopP)
	assert.Nil(t, got.MaxTokens)
	require.NotNil(t, got.Seed)
	assert.Equal(t, int64(42), *got.Seed)
	assert.Equal(t, []string{"END"}, got.Stop)

	req := inference.ResolveRequest(got, inference.GenDefaults{})
	assert.False(t, req.Sampling.Greedy)
	require.NotNil(t, req.Sampling.TopK)
	assert.Equal(t, 7, *req.Sampling.TopK)
}

func TestFormatStats(t *testing.T) {
	t.Parallel()

	s := formatStats(&inference.Result{FinishReason: inference.FinishLength, Stats: engine.Stats{PromptTokens: 10, GeneratedTokens: 4, TPS: 12.5}})
	assert.True(t, strings.HasPrefix(s, "[10 prompt tokens (0 reused), 4 generated"), s)
	assert.Contains(t, s, "12.50 tok/s")
	assert.Contains(t, s, "finish=length")
}

var _ chatSession = (*inference.Session)(nil)
