// Package memory holds the rolling dialog of one chat session.
package memory

import (
	"slices"

	"github.com/samcharles93/strata/internal/backend"
)

// Session is an ordered list of turns, oldest first. It is not safe for
// concurrent use; the engine serializes access.
type Session struct {
	turns []backend.Turn
}

func New() *Session { return &Session{} }

func (s *Session) PushUser(content string)      { s.turns = append(s.turns, backend.UserTurn(content)) }
func (s *Session) PushAssistant(content string) { s.turns = append(s.turns, backend.AssistantTurn(content)) }
func (s *Session) PushSystem(content string)    { s.turns = append(s.turns, backend.SystemTurn(content)) }

// Turns returns a copy of the stored turns.
func (s *Session) Turns() []backend.Turn { return slices.Clone(s.turns) }

func (s *Session) Len() int { return len(s.turns) }

func (s *Session) Clear() { s.turns = s.turns[:0] }

// DropOldestPair removes the oldest non-system turn. When that turn is a user
// turn immediately followed by an assistant turn, both go together. It
// reports false when only system turns remain.
func (s *Session) DropOldestPair() bool {
	i := slices.IndexFunc(s.turns, func(t backend.Turn) bool { return t.Role != backend.RoleSystem })
	if i < 0 {
		return false
	}
	end := i + 1
	if end < len(s.turns) && s.turns[i].Role == backend.RoleUser && s.turns[end].Role == backend.RoleAssistant {
		end++
	}
	s.turns = slices.Delete(s.turns, i, end)
	return true
}
