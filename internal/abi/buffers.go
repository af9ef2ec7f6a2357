package abi

import "unsafe"

// CString copies a NUL-terminated C string into Go memory.
func CString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

// TakeString copies a plugin-owned string buffer and releases it with free.
// A nil pointer or zero length yields "" and nothing is freed.
func TakeString(ptr unsafe.Pointer, n uintptr, free func(unsafe.Pointer, uintptr)) string {
	if ptr == nil {
		return ""
	}
	defer free(ptr, n)
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(ptr), n))
}

// TakeBytes is TakeString for raw bytes that may hold a partial UTF-8 sequence.
func TakeBytes(ptr unsafe.Pointer, n uintptr, free func(unsafe.Pointer, uintptr)) []byte {
	if ptr == nil {
		return nil
	}
	defer free(ptr, n)
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(ptr), n))
	return out
}

// TakeTokens copies a plugin-owned token array and releases it with free.
func TakeTokens(ptr unsafe.Pointer, n uintptr, free func(unsafe.Pointer, uintptr)) []int32 {
	if ptr == nil {
		return nil
	}
	defer free(ptr, n)
	if n == 0 {
		return nil
	}
	out := make([]int32, n)
	copy(out, unsafe.Slice((*int32)(ptr), n))
	return out
}

// TokenArg returns a pointer and length suitable for passing tokens into the
// plugin. The slice must stay live for the call.
func TokenArg(tokens []int32) (*int32, uintptr) {
	if len(tokens) == 0 {
		return nil, 0
	}
	return &tokens[0], uintptr(len(tokens))
}
