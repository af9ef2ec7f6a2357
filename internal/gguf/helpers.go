package gguf

import "math"

// lookup returns the value under key when it has dynamic type T.
func lookup[T any](kv KV, key string) (T, bool) {
	var zero T
	v, ok := kv[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value.(T)
	return t, ok
}

func (kv KV) String(key string) (string, bool) { return lookup[string](kv, key) }

func (kv KV) Bool(key string) (bool, bool) { return lookup[bool](kv, key) }

// Uint64 reads any integer value that is not negative.
func (kv KV) Uint64(key string) (uint64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	n, signed, ok := widen(v.Value)
	if !ok || (signed && int64(n) < 0) {
		return 0, false
	}
	return n, true
}

// Int64 reads any integer value that fits in an int64.
func (kv KV) Int64(key string) (int64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	n, signed, ok := widen(v.Value)
	if !ok || (!signed && n > math.MaxInt64) {
		return 0, false
	}
	return int64(n), true
}

// widen returns the bits of an integer value as a uint64 and whether the
// original type was signed.
func widen(v any) (n uint64, signed, ok bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case int8:
		return uint64(int64(t)), true, true
	case int16:
		return uint64(int64(t)), true, true
	case int32:
		return uint64(int64(t)), true, true
	case int64:
		return uint64(t), true, true
	}
	return 0, false, false
}

// FirstString returns the first non-empty string stored under one of keys.
func (kv KV) FirstString(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := kv.String(k); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Array returns the elements of an array value as []T. Arrays whose values
// were skipped on read report false, as do mixed element types.
func Array[T any](kv KV, key string) ([]T, bool) {
	arr, ok := lookup[ArrayValue](kv, key)
	if !ok || (arr.Values == nil && arr.Len > 0) {
		return nil, false
	}
	out := make([]T, len(arr.Values))
	for i, item := range arr.Values {
		if out[i], ok = item.(T); !ok {
			return nil, false
		}
	}
	return out, true
}
