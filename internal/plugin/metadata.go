package plugin

import (
	"context"
	"errors"
	"unsafe"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/abi"
	"github.com/samcharles93/strata/internal/metadata"
)

// MetadataProvider exposes the plugin's metadata sub-table.
type MetadataProvider struct {
	t *abi.Table
}

var _ metadata.Provider = (*MetadataProvider)(nil)

func NewMetadataProvider(t *abi.Table) *MetadataProvider {
	return &MetadataProvider{t: t}
}

func (p *MetadataProvider) Name() string {
	if p.t.Info.ID != "" {
		return "plugin:" + p.t.Info.ID
	}
	return "plugin"
}

func (p *MetadataProvider) CanHandle(path string) bool {
	if checkNUL("can_handle", path) != nil {
		return false
	}
	return p.t.Metadata.CanHandle(path)
}

func (p *MetadataProvider) Collect(ctx context.Context, path string) (*metadata.ModelCoreInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNUL("collect_json", path); err != nil {
		return nil, err
	}
	var out unsafe.Pointer
	var n uintptr
	p.t.Metadata.CollectJSON(path, &out, &n)
	raw := abi.TakeString(out, n, p.t.Metadata.FreeString)
	if raw == "" {
		msg := p.lastError()
		if msg == "" {
			msg = "collect_json returned no data"
		}
		return nil, errors.New(msg)
	}

	var info metadata.ModelCoreInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, err
	}
	if info.Path == "" {
		info.Path = path
	}
	return &info, nil
}

func (p *MetadataProvider) lastError() string {
	if p.t.LLM.LastError == nil {
		return ""
	}
	var out unsafe.Pointer
	var n uintptr
	p.t.LLM.LastError(&out, &n)
	return abi.TakeString(out, n, p.t.LLM.FreeString)
}
