// Package gguf reads the header and key/value section of a GGUF model file.
// Tensor descriptors and tensor data are never read.
package gguf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const magicGGUF = "GGUF"

// ErrNotGGUF is returned when the file does not start with the GGUF magic.
var ErrNotGGUF = errors.New("not a gguf file")

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypes = map[ValueType]struct {
	name  string
	width int
}{
	TypeUint8:   {"u8", 1},
	TypeInt8:    {"i8", 1},
	TypeBool:    {"bool", 1},
	TypeUint16:  {"u16", 2},
	TypeInt16:   {"i16", 2},
	TypeUint32:  {"u32", 4},
	TypeInt32:   {"i32", 4},
	TypeFloat32: {"f32", 4},
	TypeUint64:  {"u64", 8},
	TypeInt64:   {"i64", 8},
	TypeFloat64: {"f64", 8},
	TypeString:  {"string", 0},
	TypeArray:   {"arr", 0},
}

func (t ValueType) String() string {
	if vt, ok := valueTypes[t]; ok {
		return vt.name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// width is the encoded size of a scalar type, or 0 for strings, arrays and
// unknown types.
func (t ValueType) width() int { return valueTypes[t].width }

// MaxArrayValues bounds how many array elements are kept in memory. Longer
// arrays, such as tokenizer vocabularies, are skipped and only their length
// is recorded.
const MaxArrayValues = 256

// ArrayValue holds an array. Values is nil when the array was longer than
// MaxArrayValues.
type ArrayValue struct {
	ElemType ValueType
	Len      uint64
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

// String renders v the way llama.cpp's metadata dump does: scalars as text,
// arrays as arr[type,len].
func (v Value) String() string {
	switch t := v.Value.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case ArrayValue:
		return fmt.Sprintf("arr[%s,%d]", t.ElemType, t.Len)
	default:
		return fmt.Sprint(t)
	}
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// KV is the decoded key/value section.
type KV map[string]Value

// Metadata is the header and KV section of one GGUF file.
type Metadata struct {
	Path   string
	Header Header
	KV     KV
}

// ReadFile reads the metadata of the GGUF file at path.
func ReadFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	md, err := Read(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	md.Path = path
	return md, nil
}

// Read decodes the header and KV section from r. size bounds string and
// array lengths; pass 0 when unknown.
func Read(r io.Reader, size int64) (*Metadata, error) {
	d := newDecoder(r, size)

	magic, err := d.take(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != magicGGUF {
		return nil, fmt.Errorf("%w: magic %q", ErrNotGGUF, string(magic))
	}

	var h Header
	if h.Version, err = d.u32(); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if h.Version < 2 {
		return nil, fmt.Errorf("unsupported gguf version %d", h.Version)
	}
	if h.TensorCount, err = d.u64(); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}
	if h.KVCount, err = d.u64(); err != nil {
		return nil, fmt.Errorf("read kv count: %w", err)
	}
	if size > 0 && h.KVCount > uint64(size) {
		return nil, fmt.Errorf("kv count too large: %d", h.KVCount)
	}

	kv := make(KV, h.KVCount)
	for i := range h.KVCount {
		key, err := d.str()
		if err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		t, err := d.u32()
		if err != nil {
			return nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		v, err := d.value(ValueType(t))
		if err != nil {
			return nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		kv[key] = Value{Type: ValueType(t), Value: v}
	}
	return &Metadata{Header: h, KV: kv}, nil
}

// Architecture returns general.architecture, or "" when absent.
func (m *Metadata) Architecture() string {
	s, _ := m.KV.String("general.architecture")
	return s
}

// ArchUint64 looks up "<arch>.<suffix>" first and then the bare suffix.
func (m *Metadata) ArchUint64(suffix string) (uint64, bool) {
	if arch := m.Architecture(); arch != "" {
		if v, ok := m.KV.Uint64(arch + "." + suffix); ok {
			return v, true
		}
	}
	return m.KV.Uint64(suffix)
}

// Strings flattens every key to its string rendering.
func (m *Metadata) Strings() map[string]string {
	out := make(map[string]string, len(m.KV))
	for k, v := range m.KV {
		out[k] = v.String()
	}
	return out
}

// FileTypeLabel maps general.file_type codes to quantization labels.
func FileTypeLabel(code uint64) (string, bool) {
	labels := map[uint64]string{
		0:  "F32",
		1:  "F16",
		2:  "Q4_0",
		3:  "Q4_1",
		7:  "Q8_0",
		8:  "Q5_0",
		9:  "Q5_1",
		10: "Q2_K",
		11: "Q3_K_S",
		12: "Q3_K_M",
		13: "Q3_K_L",
		14: "Q4_K_S",
		15: "Q4_K_M",
		16: "Q5_K_S",
		17: "Q5_K_M",
		18: "Q6_K",
		32: "BF16",
	}
	l, ok := labels[code]
	return l, ok
}

// IsGGUFPath reports whether path has a .gguf extension.
func IsGGUFPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gguf")
}
