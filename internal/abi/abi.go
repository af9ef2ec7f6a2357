// Package abi describes the binary contract between the host and a runtime
// loaded backend plugin.
//
// A plugin exports one symbol, EntrySymbol, a no-argument function returning a
// pointer to a static RawTable. The host checks RawInfo.ABIVersion against
// Version and then binds each function pointer into a Table of Go functions.
//
// Every heap buffer returned through an out-parameter is owned by the plugin
// until the host passes it back to the matching free function: strings to
// FreeString, token arrays to FreeTokens. Buffers the host passes in are
// borrowed for the duration of the call only.
package abi

import "unsafe"

const (
	// Version must match RawInfo.ABIVersion exactly.
	Version uint32 = 2

	EntrySymbol = "strata_plugin_entry_v1"
)

// Session is an opaque plugin session handle. Zero is never a valid session.
type Session uintptr

// RawInfo is the identity block at the head of RawTable.
type RawInfo struct {
	ABIVersion uint32
	ID         *byte
	Semver     *byte
}

// RawMetadata holds the metadata function pointers.
type RawMetadata struct {
	CanHandle   uintptr
	CollectJSON uintptr
	FreeString  uintptr
}

// RawLLM holds the session function pointers in contract order.
type RawLLM struct {
	CreateSession     uintptr
	DestroySession    uintptr
	Tokenize          uintptr
	FreeTokens        uintptr
	Evaluate          uintptr
	Sample            uintptr
	DecodeToken       uintptr
	Detokenize        uintptr
	ApplyChatTemplate uintptr
	ClearCache        uintptr
	EOSToken          uintptr
	NCtx              uintptr
	KVLen             uintptr
	DefaultStops      uintptr
	Capabilities      uintptr
	PromptFlavor      uintptr
	LastError         uintptr
	FreeString        uintptr
}

// RawTable mirrors the C layout of the table returned by the entry function.
type RawTable struct {
	Info     RawInfo
	Metadata RawMetadata
	LLM      RawLLM
}

// Info is the plugin identity copied into Go memory.
type Info struct {
	ABIVersion uint32
	ID         string
	Semver     string
}

// Metadata is the bound metadata sub-table.
type Metadata struct {
	CanHandle   func(path string) bool
	CollectJSON func(path string, out *unsafe.Pointer, outLen *uintptr)
	FreeString  func(ptr unsafe.Pointer, n uintptr)
}

// LLM is the bound session sub-table. Functions returning int32 report failure
// with a negative value unless documented otherwise.
type LLM struct {
	CreateSession  func(modelPath string, nCtx int32) Session
	DestroySession func(h Session)

	Tokenize   func(h Session, text string, addSpecial bool, out *unsafe.Pointer, outLen *uintptr)
	FreeTokens func(ptr unsafe.Pointer, n uintptr)

	Evaluate func(h Session, tokens *int32, n uintptr, nPast int32) int32
	// Sample returns the next token id.
	Sample      func(h Session, paramsJSON string, history *int32, n uintptr, nPast int32) int32
	DecodeToken func(h Session, tok int32, out *unsafe.Pointer, outLen *uintptr)
	Detokenize  func(h Session, tokens *int32, n uintptr, removeSpecial, unparseSpecial bool, out *unsafe.Pointer, outLen *uintptr)

	// ApplyChatTemplate returns 0 when the model has no usable template.
	ApplyChatTemplate func(h Session, turnsJSON string, out *unsafe.Pointer, outLen *uintptr) int32
	ClearCache        func(h Session)

	EOSToken func(h Session) int32
	// NCtx returns the context window, or <= 0 when unknown.
	NCtx func(h Session) int32
	// KVLen returns the filled cache length, or < 0 when unknown.
	KVLen func(h Session) int32

	// DefaultStops writes a JSON array of strings.
	DefaultStops func(h Session, out *unsafe.Pointer, outLen *uintptr)
	Capabilities func(h Session) uint32
	PromptFlavor func(h Session, out *unsafe.Pointer, outLen *uintptr)

	LastError  func(out *unsafe.Pointer, outLen *uintptr)
	FreeString func(ptr unsafe.Pointer, n uintptr)
}

// Table is the plugin contract as Go functions.
type Table struct {
	Info     Info
	Metadata Metadata
	LLM      LLM
}
