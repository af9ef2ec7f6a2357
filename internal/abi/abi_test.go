package abi

import (
	"testing"
	"unsafe"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/strata/internal/backend"
)

type freeRecorder struct {
	calls []uintptr
}

func (r *freeRecorder) free(_ unsafe.Pointer, n uintptr) {
	r.calls = append(r.calls, n)
}

func TestCString(t *testing.T) {
	t.Parallel()

	buf := []byte("llama\x00junk")
	assert.Equal(t, "llama", CString(&buf[0]))
	assert.Equal(t, "", CString(nil))
}

func TestTakeStringFreesOnce(t *testing.T) {
	t.Parallel()

	var rec freeRecorder
	buf := []byte("hello")
	got := TakeString(unsafe.Pointer(&buf[0]), uintptr(len(buf)), rec.free)
	assert.Equal(t, "hello", got)
	assert.Equal(t, []uintptr{5}, rec.calls)

	// the copy must not alias plugin memory
	buf[0] = 'j'
	assert.Equal(t, "hello", got)
}

func TestTakeNilDoesNotFree(t *testing.T) {
	t.Parallel()

	var rec freeRecorder
	assert.Equal(t, "", TakeString(nil, 0, rec.free))
	assert.Nil(t, TakeBytes(nil, 3, rec.free))
	assert.Nil(t, TakeTokens(nil, 3, rec.free))
	assert.Empty(t, rec.calls)
}

func TestTakeZeroLengthStillFrees(t *testing.T) {
	t.Parallel()

	var rec freeRecorder
	b := []byte{0}
	assert.Equal(t, "", TakeString(unsafe.Pointer(&b[0]), 0, rec.free))
	assert.Len(t, rec.calls, 1)
}

func TestTakeTokens(t *testing.T) {
	t.Parallel()

	var rec freeRecorder
	toks := []int32{7, 8, 9}
	got := TakeTokens(unsafe.Pointer(&toks[0]), 3, rec.free)
	toks[0] = 0
	assert.Equal(t, []int32{7, 8, 9}, got)
	assert.Equal(t, []uintptr{3}, rec.calls)
}

func TestTakeBytesKeepsPartialUTF8(t *testing.T) {
	t.Parallel()

	var rec freeRecorder
	partial := []byte{0xE2, 0x82}
	got := TakeBytes(unsafe.Pointer(&partial[0]), 2, rec.free)
	assert.Equal(t, []byte{0xE2, 0x82}, got)
}

func TestTokenArg(t *testing.T) {
	t.Parallel()

	p, n := TokenArg(nil)
	assert.Nil(t, p)
	assert.Zero(t, n)

	toks := []int32{1, 2}
	p, n = TokenArg(toks)
	require.NotNil(t, p)
	assert.Equal(t, uintptr(2), n)
	assert.Equal(t, int32(1), *p)
}

func TestEncodeParamsNormalizes(t *testing.T) {
	t.Parallel()

	p := backend.DefaultSamplingParams()
	p.Greedy = true
	raw, err := EncodeParams(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, true, decoded["greedy"])
	assert.NotContains(t, decoded, "temperature")
	assert.NotContains(t, decoded, "top_k")
	rep, ok := decoded["repetition"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 64, rep["last_n"])
}

func TestEncodeTurns(t *testing.T) {
	t.Parallel()

	raw, err := EncodeTurns([]backend.Turn{backend.SystemTurn("be brief"), backend.UserTurn("hi")})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]`, raw)

	raw, err = EncodeTurns(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestDecodeStops(t *testing.T) {
	t.Parallel()

	stops, err := DecodeStops(`["<|im_end|>", "", "</s>"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"<|im_end|>", "</s>"}, stops)

	stops, err = DecodeStops("")
	require.NoError(t, err)
	assert.Empty(t, stops)

	_, err = DecodeStops("{")
	assert.Error(t, err)
}

func TestRawInfoLayout(t *testing.T) {
	t.Parallel()

	// u32 version padded to pointer alignment, then two C string pointers
	ptr := unsafe.Sizeof(uintptr(0))
	assert.Equal(t, ptr, unsafe.Offsetof(RawInfo{}.ID))
	assert.Equal(t, 3*ptr, unsafe.Sizeof(RawInfo{}))
	assert.Equal(t, 18*ptr, unsafe.Sizeof(RawLLM{}))
}
