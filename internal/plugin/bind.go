package plugin

import (
	"github.com/ebitengine/purego"

	"github.com/samcharles93/strata/internal/abi"
)

type library interface {
	lookup(name string) (uintptr, error)
}

func callEntry(sym uintptr) *abi.RawTable {
	var entry func() *abi.RawTable
	purego.RegisterFunc(&entry, sym)
	return entry()
}

func register(fn any, ptr uintptr) {
	if ptr != 0 {
		purego.RegisterFunc(fn, ptr)
	}
}

// bindTable turns the raw function pointers into Go functions. Zero pointers
// leave the corresponding field nil.
func bindTable(raw *abi.RawTable) *abi.Table {
	t := &abi.Table{
		Info: abi.Info{
			ABIVersion: raw.Info.ABIVersion,
			ID:         abi.CString(raw.Info.ID),
			Semver:     abi.CString(raw.Info.Semver),
		},
	}

	m := &raw.Metadata
	register(&t.Metadata.CanHandle, m.CanHandle)
	register(&t.Metadata.CollectJSON, m.CollectJSON)
	register(&t.Metadata.FreeString, m.FreeString)

	l := &raw.LLM
	register(&t.LLM.CreateSession, l.CreateSession)
	register(&t.LLM.DestroySession, l.DestroySession)
	register(&t.LLM.Tokenize, l.Tokenize)
	register(&t.LLM.FreeTokens, l.FreeTokens)
	register(&t.LLM.Evaluate, l.Evaluate)
	register(&t.LLM.Sample, l.Sample)
	register(&t.LLM.DecodeToken, l.DecodeToken)
	register(&t.LLM.Detokenize, l.Detokenize)
	register(&t.LLM.ApplyChatTemplate, l.ApplyChatTemplate)
	register(&t.LLM.ClearCache, l.ClearCache)
	register(&t.LLM.EOSToken, l.EOSToken)
	register(&t.LLM.NCtx, l.NCtx)
	register(&t.LLM.KVLen, l.KVLen)
	register(&t.LLM.DefaultStops, l.DefaultStops)
	register(&t.LLM.Capabilities, l.Capabilities)
	register(&t.LLM.PromptFlavor, l.PromptFlavor)
	register(&t.LLM.LastError, l.LastError)
	register(&t.LLM.FreeString, l.FreeString)
	return t
}

// missingRequired names the first required table entry that is nil.
func missingRequired(t *abi.Table) string {
	required := []struct {
		name    string
		missing bool
	}{
		{"metadata.can_handle", t.Metadata.CanHandle == nil},
		{"metadata.collect_json", t.Metadata.CollectJSON == nil},
		{"metadata.free_string", t.Metadata.FreeString == nil},
		{"llm.create_session", t.LLM.CreateSession == nil},
		{"llm.destroy_session", t.LLM.DestroySession == nil},
		{"llm.tokenize", t.LLM.Tokenize == nil},
		{"llm.free_tokens", t.LLM.FreeTokens == nil},
		{"llm.evaluate", t.LLM.Evaluate == nil},
		{"llm.sample", t.LLM.Sample == nil},
		{"llm.decode_token", t.LLM.DecodeToken == nil},
		{"llm.eos_token", t.LLM.EOSToken == nil},
		{"llm.free_string", t.LLM.FreeString == nil},
	}
	for _, r := range required {
		if r.missing {
			return r.name
		}
	}
	return ""
}
