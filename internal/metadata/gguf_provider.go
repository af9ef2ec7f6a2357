package metadata

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/samcharles93/strata/internal/gguf"
)

// GGUFProvider reads GGUF headers directly, without loading the plugin.
type GGUFProvider struct{}

func (GGUFProvider) Name() string { return "gguf" }

func (GGUFProvider) CanHandle(path string) bool { return gguf.IsGGUFPath(path) }

func (GGUFProvider) Collect(ctx context.Context, path string) (*ModelCoreInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md, err := gguf.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromGGUF(md), nil
}

func u32(v uint64, ok bool) *uint32 {
	if !ok || v > 1<<32-1 {
		return nil
	}
	n := uint32(v)
	return &n
}

func i32(v int64, ok bool) *int32 {
	if !ok || v < -1<<31 || v > 1<<31-1 {
		return nil
	}
	n := int32(v)
	return &n
}

func strPtr(s string, ok bool) *string {
	if !ok || s == "" {
		return nil
	}
	return &s
}

// FromGGUF normalizes GGUF key/values into ModelCoreInfo.
func FromGGUF(md *gguf.Metadata) *ModelCoreInfo {
	kv := md.KV
	info := &ModelCoreInfo{
		Backend:  "llama",
		Path:     md.Path,
		FileType: strings.TrimPrefix(strings.ToLower(filepath.Ext(md.Path)), "."),
		Raw:      md.Strings(),
	}
	if info.FileType == "" {
		info.FileType = "gguf"
	}

	info.Name = strPtr(kv.FirstString("general.name", "name"))
	info.Family = strPtr(kv.FirstString("general.architecture", "general.basename"))
	info.ContextLength = u32(md.ArchUint64("context_length"))

	if n, ok := md.ArchUint64("vocab_size"); ok {
		info.VocabSize = u32(n, true)
	} else if tokens, ok := kv["tokenizer.ggml.tokens"]; ok {
		if arr, ok := tokens.Value.(gguf.ArrayValue); ok {
			info.VocabSize = u32(arr.Len, true)
		}
	}

	info.EOSTokenID = i32(kv.Int64("tokenizer.ggml.eos_token_id"))
	info.BOSTokenID = i32(kv.Int64("tokenizer.ggml.bos_token_id"))

	if q, ok := kv.String("general.quantization"); ok && q != "" {
		info.Quantization = &q
	} else if code, ok := kv.Uint64("general.file_type"); ok {
		info.Quantization = strPtr(gguf.FileTypeLabel(code))
	}

	info.ChatTemplate = strPtr(kv.String("tokenizer.chat_template"))

	family := ""
	if info.Family != nil {
		family = *info.Family
	}
	info.PromptFlavorHint = FlavorHintFor(family, info.ChatTemplate != nil)

	// keep the raw view small: chat templates are exposed separately
	delete(info.Raw, "tokenizer.chat_template")
	return info
}
