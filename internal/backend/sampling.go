package backend

import "math"

// Penalties configures repetition control over the last LastN tokens.
type Penalties struct {
	LastN            int     `json:"last_n" yaml:"last_n"`
	Repeat           float32 `json:"repeat" yaml:"repeat"`
	Frequency        float32 `json:"frequency" yaml:"frequency"`
	Presence         float32 `json:"presence" yaml:"presence"`
	PenalizeNewlines bool    `json:"penalize_newline" yaml:"penalize_newline"`
}

// Mirostat configures adaptive sampling. M is used by version 1 only.
type Mirostat struct {
	Version uint8   `json:"version" yaml:"version"`
	Tau     float32 `json:"tau" yaml:"tau"`
	Eta     float32 `json:"eta" yaml:"eta"`
	M       *int    `json:"m,omitempty" yaml:"m,omitempty"`
}

type LogitBias struct {
	Token Token   `json:"token" yaml:"token"`
	Bias  float32 `json:"bias" yaml:"bias"`
}

// SamplingParams is passed to Backend.Sample. Nil pointer fields mean the
// knob is disabled.
type SamplingParams struct {
	Greedy      bool        `json:"greedy" yaml:"greedy"`
	Temperature *float32    `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK        *int        `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP        *float32    `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	Typical     *float32    `json:"typical,omitempty" yaml:"typical,omitempty"`
	TFS         *float32    `json:"tfs,omitempty" yaml:"tfs,omitempty"`
	Penalties   Penalties   `json:"penalties" yaml:"penalties"`
	Mirostat    *Mirostat   `json:"mirostat,omitempty" yaml:"mirostat,omitempty"`
	LogitBias   []LogitBias `json:"logit_bias,omitempty" yaml:"logit_bias,omitempty"`
	Seed        *uint32     `json:"seed,omitempty" yaml:"seed,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// DefaultSamplingParams returns the stochastic defaults: temperature 0.8,
// top-k 40, top-p 0.95, repeat penalty 1.1 over the last 64 tokens.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: ptr(float32(0.8)),
		TopK:        ptr(40),
		TopP:        ptr(float32(0.95)),
		Penalties: Penalties{
			LastN:  64,
			Repeat: 1.1,
		},
	}
}

// GreedyParams returns params that always pick the argmax token.
func GreedyParams() SamplingParams {
	p := DefaultSamplingParams()
	p.Greedy = true
	p.Normalize()
	return p
}

func unitInterval(v *float32) *float32 {
	if v == nil {
		return nil
	}
	f := *v
	if math.IsNaN(float64(f)) || f <= 0 || f > 1 {
		return nil
	}
	return v
}

// Normalize resolves conflicting knobs in place. Greedy wins over everything,
// mirostat replaces the truncation samplers, and typical replaces top-p.
// Out-of-range values are disabled rather than clamped.
func (p *SamplingParams) Normalize() {
	if p.Greedy {
		p.Temperature = nil
		p.TopK = nil
		p.TopP = nil
		p.Typical = nil
		p.TFS = nil
		p.Mirostat = nil
		return
	}

	if p.Mirostat != nil {
		p.TopK = nil
		p.TopP = nil
		p.Typical = nil
		p.TFS = nil
	}
	if p.Typical != nil {
		p.TopP = nil
	}

	if p.Temperature != nil && !(*p.Temperature > 0) {
		p.Temperature = nil
	}
	if p.TopK != nil && *p.TopK < 1 {
		p.TopK = nil
	}
	p.TopP = unitInterval(p.TopP)
	p.Typical = unitInterval(p.Typical)
	p.TFS = unitInterval(p.TFS)

	if !(p.Penalties.Repeat >= 1) {
		p.Penalties.Repeat = 1
	}
	if p.Penalties.LastN < 0 {
		p.Penalties.LastN = 0
	}

	if m := p.Mirostat; m != nil {
		if (m.Version != 1 && m.Version != 2) || !(m.Tau > 0) || !(m.Eta > 0) {
			p.Mirostat = nil
		}
	}
}

// Normalized returns a normalized copy and leaves p untouched.
func (p SamplingParams) Normalized() SamplingParams {
	p.Normalize()
	return p
}

// Capabilities advertises which sampling knobs a backend honors.
type Capabilities struct {
	Greedy      bool `json:"greedy"`
	Temperature bool `json:"temperature"`
	TopK        bool `json:"top_k"`
	TopP        bool `json:"top_p"`
	Typical     bool `json:"typical"`
	TFS         bool `json:"tfs"`
	Penalties   bool `json:"penalties"`
	MirostatV1  bool `json:"mirostat_v1"`
	MirostatV2  bool `json:"mirostat_v2"`
}

// Wire bits for Capabilities.
const (
	CapGreedy uint32 = 1 << iota
	CapTemperature
	CapTopK
	CapTopP
	CapTypical
	CapTFS
	CapPenalties
	CapMirostatV1
	CapMirostatV2
)

func DefaultCapabilities() Capabilities {
	return Capabilities{
		Greedy:      true,
		Temperature: true,
		TopK:        true,
		TopP:        true,
		Penalties:   true,
		MirostatV2:  true,
	}
}

func (c Capabilities) Bits() uint32 {
	var bits uint32
	set := func(on bool, bit uint32) {
		if on {
			bits |= bit
		}
	}
	set(c.Greedy, CapGreedy)
	set(c.Temperature, CapTemperature)
	set(c.TopK, CapTopK)
	set(c.TopP, CapTopP)
	set(c.Typical, CapTypical)
	set(c.TFS, CapTFS)
	set(c.Penalties, CapPenalties)
	set(c.MirostatV1, CapMirostatV1)
	set(c.MirostatV2, CapMirostatV2)
	return bits
}

func CapabilitiesFromBits(bits uint32) Capabilities {
	return Capabilities{
		Greedy:      bits&CapGreedy != 0,
		Temperature: bits&CapTemperature != 0,
		TopK:        bits&CapTopK != 0,
		TopP:        bits&CapTopP != 0,
		Typical:     bits&CapTypical != 0,
		TFS:         bits&CapTFS != 0,
		Penalties:   bits&CapPenalties != 0,
		MirostatV1:  bits&CapMirostatV1 != 0,
		MirostatV2:  bits&CapMirostatV2 != 0,
	}
}

// Restrict disables knobs the backend does not support. The result is
// normalized.
func (c Capabilities) Restrict(p SamplingParams) SamplingParams {
	if !c.Temperature {
		p.Temperature = nil
	}
	if !c.TopK {
		p.TopK = nil
	}
	if !c.TopP {
		p.TopP = nil
	}
	if !c.Typical {
		p.Typical = nil
	}
	if !c.TFS {
		p.TFS = nil
	}
	if !c.Penalties {
		p.Penalties = Penalties{Repeat: 1}
	}
	if m := p.Mirostat; m != nil {
		if (m.Version == 1 && !c.MirostatV1) || (m.Version == 2 && !c.MirostatV2) {
			p.Mirostat = nil
		}
	}
	p.Normalize()
	return p
}
