package abi

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/backend"
)

// wireParams is the JSON shape a plugin's sample function reads.
type wireParams struct {
	Greedy           bool                `json:"greedy"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopK             *int                `json:"top_k,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	Typical          *float32            `json:"typical_p,omitempty"`
	TFS              *float32            `json:"tfs_z,omitempty"`
	Repetition       wireRepetition      `json:"repetition"`
	PenalizeNewlines bool                `json:"penalize_newline"`
	Mirostat         *backend.Mirostat   `json:"mirostat,omitempty"`
	Seed             *uint32             `json:"seed,omitempty"`
	LogitBias        []backend.LogitBias `json:"logit_bias,omitempty"`
}

type wireRepetition struct {
	LastN     int     `json:"last_n"`
	Repeat    float32 `json:"repeat"`
	Frequency float32 `json:"frequency"`
	Presence  float32 `json:"presence"`
}

// EncodeParams normalizes p and encodes it for the sample function.
func EncodeParams(p backend.SamplingParams) (string, error) {
	p.Normalize()
	w := wireParams{
		Greedy:      p.Greedy,
		Temperature: p.Temperature,
		TopK:        p.TopK,
		TopP:        p.TopP,
		Typical:     p.Typical,
		TFS:         p.TFS,
		Repetition: wireRepetition{
			LastN:     p.Penalties.LastN,
			Repeat:    p.Penalties.Repeat,
			Frequency: p.Penalties.Frequency,
			Presence:  p.Penalties.Presence,
		},
		PenalizeNewlines: p.Penalties.PenalizeNewlines,
		Mirostat:         p.Mirostat,
		Seed:             p.Seed,
		LogitBias:        p.LogitBias,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode sampling params: %w", err)
	}
	return string(b), nil
}

// EncodeTurns encodes chat turns as a JSON array of {role, content}.
func EncodeTurns(turns []backend.Turn) (string, error) {
	if turns == nil {
		turns = []backend.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode turns: %w", err)
	}
	return string(b), nil
}

// DecodeStops parses the JSON string array written by DefaultStops. Empty
// input is an empty list.
func DecodeStops(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var stops []string
	if err := json.Unmarshal([]byte(raw), &stops); err != nil {
		return nil, fmt.Errorf("decode default stops: %w", err)
	}
	out := stops[:0]
	for _, s := range stops {
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
