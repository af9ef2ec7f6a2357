package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxUnsizedLen caps length prefixes when the input size is unknown.
const maxUnsizedLen = 64 << 20

var le = binary.LittleEndian

// decoder walks the KV section and tracks the offset so length prefixes can
// be checked against the file size before anything is allocated.
type decoder struct {
	br      *bufio.Reader
	off     int64
	size    int64
	scratch [8]byte
}

func newDecoder(r io.Reader, size int64) *decoder {
	return &decoder{br: bufio.NewReaderSize(r, 64<<10), size: size}
}

func (d *decoder) fits(n uint64) error {
	switch {
	case d.size > 0 && uint64(d.off)+n > uint64(d.size):
		return io.ErrUnexpectedEOF
	case d.size <= 0 && n > maxUnsizedLen:
		return fmt.Errorf("length %d exceeds limit", n)
	}
	return nil
}

// take returns the next n bytes. Words of up to eight bytes reuse scratch
// and are only valid until the next call.
func (d *decoder) take(n uint64) ([]byte, error) {
	if err := d.fits(n); err != nil {
		return nil, err
	}
	var b []byte
	if n <= uint64(len(d.scratch)) {
		b = d.scratch[:n]
	} else {
		b = make([]byte, n)
	}
	if _, err := io.ReadFull(d.br, b); err != nil {
		return nil, err
	}
	d.off += int64(n)
	return b, nil
}

func (d *decoder) discard(n uint64) error {
	if err := d.fits(n); err != nil {
		return err
	}
	got, err := d.br.Discard(int(n))
	d.off += int64(got)
	return err
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", fmt.Errorf("string of %d bytes: %w", n, err)
	}
	return string(b), nil
}

// scalar decodes one fixed-width value of type t.
func (d *decoder) scalar(t ValueType) (any, error) {
	b, err := d.take(uint64(t.width()))
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeUint8:
		return b[0], nil
	case TypeInt8:
		return int8(b[0]), nil
	case TypeBool:
		return b[0] != 0, nil
	case TypeUint16:
		return le.Uint16(b), nil
	case TypeInt16:
		return int16(le.Uint16(b)), nil
	case TypeUint32:
		return le.Uint32(b), nil
	case TypeInt32:
		return int32(le.Uint32(b)), nil
	case TypeFloat32:
		return math.Float32frombits(le.Uint32(b)), nil
	case TypeUint64:
		return le.Uint64(b), nil
	case TypeInt64:
		return int64(le.Uint64(b)), nil
	case TypeFloat64:
		return math.Float64frombits(le.Uint64(b)), nil
	}
	return nil, fmt.Errorf("unsupported value type %d", uint32(t))
}

func (d *decoder) value(t ValueType) (any, error) {
	switch {
	case t.width() > 0:
		return d.scalar(t)
	case t == TypeString:
		return d.str()
	case t == TypeArray:
		return d.array()
	}
	return nil, fmt.Errorf("unsupported value type %d", uint32(t))
}

// array keeps up to MaxArrayValues elements and skips longer arrays.
func (d *decoder) array() (ArrayValue, error) {
	et, err := d.u32()
	if err != nil {
		return ArrayValue{}, err
	}
	n, err := d.u64()
	if err != nil {
		return ArrayValue{}, err
	}
	arr := ArrayValue{ElemType: ValueType(et), Len: n}
	if n > MaxArrayValues {
		for range n {
			if err := d.skip(arr.ElemType); err != nil {
				return ArrayValue{}, err
			}
		}
		return arr, nil
	}
	arr.Values = make([]any, n)
	for i := range arr.Values {
		if arr.Values[i], err = d.value(arr.ElemType); err != nil {
			return ArrayValue{}, err
		}
	}
	return arr, nil
}

func (d *decoder) skip(t ValueType) error {
	if w := t.width(); w > 0 {
		return d.discard(uint64(w))
	}
	switch t {
	case TypeString:
		n, err := d.u64()
		if err != nil {
			return err
		}
		return d.discard(n)
	case TypeArray:
		_, err := d.array()
		return err
	}
	return fmt.Errorf("unsupported value type %d", uint32(t))
}
