package backend

import "strings"

// DecodeEach detokenizes history[start:] by decoding token by token. Backends
// without a native range detokenizer can use it to implement DetokenizeRange.
// Flags are ignored.
func DecodeEach(b interface {
	DecodeToken(Token) (string, error)
}, history []Token, start int) ([]byte, error) {
	if start < 0 {
		start = 0
	}
	if start >= len(history) {
		return nil, nil
	}
	var sb strings.Builder
	for _, tok := range history[start:] {
		s, err := b.DecodeToken(tok)
		if err != nil {
			return nil, WrapCallError("decode_token", err)
		}
		sb.WriteString(s)
	}
	return []byte(sb.String()), nil
}
