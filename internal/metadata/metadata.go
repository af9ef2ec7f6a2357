// Package metadata collects normalized model information from whichever
// provider understands a model file, and caches the result on disk.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Flavor hints carried in ModelCoreInfo.PromptFlavorHint.
const (
	FlavorChatML = "ChatMl"
	FlavorPhi3   = "Phi3"
)

// ModelCoreInfo is the normalized view every provider produces. Providers
// park anything else they scraped under Raw.
type ModelCoreInfo struct {
	Name          *string `json:"name"`
	Family        *string `json:"family"`
	Backend       string  `json:"backend"`
	Path          string  `json:"path"`
	FileType      string  `json:"file_type"`
	ContextLength *uint32 `json:"context_length"`
	VocabSize     *uint32 `json:"vocab_size"`
	EOSTokenID    *int32  `json:"eos_token_id"`
	BOSTokenID    *int32  `json:"bos_token_id"`
	Quantization  *string `json:"quantization"`
	ChatTemplate  *string `json:"chat_template"`
	// PromptFlavorHint is nil when a native chat template exists.
	PromptFlavorHint *string          `json:"prompt_flavor_hint"`
	Raw              map[string]string `json:"raw"`
}

// ModelMeta is the listing view of ModelCoreInfo.
type ModelMeta struct {
	Name             *string           `json:"name"`
	Family           *string           `json:"family"`
	Backend          string            `json:"backend"`
	FileType         string            `json:"file_type"`
	Quantization     *string           `json:"quantization"`
	ContextLength    *uint32           `json:"context_length"`
	VocabSize        *uint32           `json:"vocab_size"`
	EOSTokenID       *int32            `json:"eos_token_id"`
	BOSTokenID       *int32            `json:"bos_token_id"`
	PromptFlavorHint *string           `json:"prompt_flavor_hint"`
	HasChatTemplate  bool              `json:"has_chat_template"`
	Raw              map[string]string `json:"raw,omitempty"`
}

func (c *ModelCoreInfo) Meta() ModelMeta {
	m := ModelMeta{
		Name:             c.Name,
		Family:           c.Family,
		Backend:          c.Backend,
		FileType:         c.FileType,
		Quantization:     c.Quantization,
		ContextLength:    c.ContextLength,
		VocabSize:        c.VocabSize,
		EOSTokenID:       c.EOSTokenID,
		BOSTokenID:       c.BOSTokenID,
		PromptFlavorHint: c.PromptFlavorHint,
		HasChatTemplate:  c.ChatTemplate != nil && *c.ChatTemplate != "",
	}
	if len(c.Raw) > 0 {
		m.Raw = c.Raw
	}
	return m
}

// FlavorHintFor picks a fallback prompt flavor: none when the model ships a
// chat template, Phi3 for phi families, ChatML otherwise.
func FlavorHintFor(family string, hasTemplate bool) *string {
	if hasTemplate {
		return nil
	}
	hint := FlavorChatML
	if strings.Contains(strings.ToLower(family), "phi") {
		hint = FlavorPhi3
	}
	return &hint
}

// Provider scrapes metadata for the model files it understands.
type Provider interface {
	Name() string
	CanHandle(path string) bool
	Collect(ctx context.Context, path string) (*ModelCoreInfo, error)
}

// ErrNoProvider is returned when no registered provider accepts a file.
var ErrNoProvider = errors.New("no metadata provider for file")

// Registry holds providers in registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Prepend registers p ahead of existing providers.
func (r *Registry) Prepend(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append([]Provider{p}, r.providers...)
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Collect asks the first provider that can handle path.
func (r *Registry) Collect(ctx context.Context, path string) (*ModelCoreInfo, error) {
	r.mu.RLock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.RUnlock()

	for _, p := range providers {
		if !p.CanHandle(path) {
			continue
		}
		info, err := p.Collect(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("%s metadata: %w", p.Name(), err)
		}
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, path)
}
