package backend

import (
	"fmt"
	"strings"
)

// Variant names as they appear in runtime descriptors and installer manifests.
const (
	Auto   = "auto"
	CPU    = "cpu"
	CUDA   = "cuda"
	Vulkan = "vulkan"
	Metal  = "metal"
	ROCm   = "rocm"
)

// Token is a backend-defined vocabulary id. The engine only compares tokens
// for equality.
type Token int32

// Backend is the capability set the engine programs against. The host has one
// implementation over the binary plugin contract; in-process backends may
// implement it directly.
//
// A Backend owns native session state and is not safe for concurrent use.
type Backend interface {
	Tokenize(text string) ([]Token, error)
	// Evaluate feeds tokens at position nPast and extends the KV cache.
	Evaluate(tokens []Token, nPast int) error
	Sample(nPast int, params SamplingParams, history []Token) (Token, error)
	DecodeToken(tok Token) (string, error)
	DetokenizeRange(history []Token, start int, removeSpecial, unparseSpecial bool) ([]byte, error)
	EOS() Token
	ContextWindowHint() (int, bool)
	// ApplyNativeChatTemplate renders turns with the model's own template.
	// ok is false when the model ships no usable template.
	ApplyNativeChatTemplate(turns []Turn) (text string, ok bool, err error)
	DefaultStopStrings() []string
	ClearKVCache() error
	KVLenHint() (int, bool)
	SamplingCapabilities() Capabilities
	PromptFlavorHint() string
	Close() error
}

// Normalize canonicalizes a variant name from flags or config.
func Normalize(name string) (string, error) {
	variant := strings.ToLower(strings.TrimSpace(name))
	if variant == "" {
		return Auto, nil
	}
	switch variant {
	case Auto, CPU, CUDA, Vulkan, Metal, ROCm:
		return variant, nil
	case "gpu":
		return Auto, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, cuda, vulkan, metal, or rocm)", variant)
	}
}
