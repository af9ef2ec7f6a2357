package inference

import "github.com/samcharles93/strata/internal/backend"

// RequestOptions is the optional-field form of a Request as it arrives from
// the CLI or the API. Nil means "use the default".
type RequestOptions struct {
	Messages []backend.Turn

	MaxTokens *int
	Seed      *int64
	Greedy    *bool

	Temperature      *float64
	TopK             *int
	TopP             *float64
	Typical          *float64
	RepeatPenalty    *float64
	RepeatLastN      *int
	FrequencyPenalty *float64
	PresencePenalty  *float64

	Stop         []string
	EnforceStops *bool
	EchoPrompt   *bool
}

// GenDefaults are per-model generation defaults, usually from the config
// file.
type GenDefaults struct {
	Temperature       *float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK              *int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP              *float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty" yaml:"repetition_penalty" toml:"repetition_penalty"`
	MaxTokens         *int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

func f32(v float64) *float32 {
	f := float32(v)
	return &f
}

// ResolveRequest layers opts over defaults over backend.DefaultSamplingParams.
// Defaults outside their valid range are ignored; request values are passed
// through and left to SamplingParams.Normalize.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	p := backend.DefaultSamplingParams()
	req := Request{
		Messages: opts.Messages,
		Stop:     opts.Stop,
	}

	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		p.Temperature = f32(*defaults.Temperature)
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		k := *defaults.TopK
		p.TopK = &k
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		p.TopP = f32(*defaults.TopP)
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		p.Penalties.Repeat = float32(*defaults.RepetitionPenalty)
	}
	if defaults.MaxTokens != nil && *defaults.MaxTokens > 0 {
		req.MaxTokens = *defaults.MaxTokens
	}

	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil && *opts.Seed >= 0 {
		s := uint32(*opts.Seed)
		p.Seed = &s
	}
	if opts.Greedy != nil {
		p.Greedy = *opts.Greedy
	}
	if opts.Temperature != nil {
		if *opts.Temperature == 0 {
			p.Greedy = true
		}
		p.Temperature = f32(*opts.Temperature)
	}
	if opts.TopK != nil {
		k := *opts.TopK
		p.TopK = &k
	}
	if opts.TopP != nil {
		p.TopP = f32(*opts.TopP)
	}
	if opts.Typical != nil {
		p.Typical = f32(*opts.Typical)
	}
	if opts.RepeatPenalty != nil {
		p.Penalties.Repeat = float32(*opts.RepeatPenalty)
	}
	if opts.RepeatLastN != nil {
		p.Penalties.LastN = *opts.RepeatLastN
	}
	if opts.FrequencyPenalty != nil {
		p.Penalties.Frequency = float32(*opts.FrequencyPenalty)
	}
	if opts.PresencePenalty != nil {
		p.Penalties.Presence = float32(*opts.PresencePenalty)
	}
	if opts.EnforceStops != nil {
		req.EnforceStops = *opts.EnforceStops
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}

	p.Normalize()
	req.Sampling = p
	return req
}
