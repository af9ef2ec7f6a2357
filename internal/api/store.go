package api

import (
	"errors"
	"sync"
	"time"
)

type sessionRecord struct {
	ID        string
	Model     string
	CreatedAt int64
	Opened    *OpenedSession
}

// SessionStore owns the open chat sessions by id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionRecord),
	}
}

func (s *SessionStore) Create(opened *OpenedSession, now time.Time) *sessionRecord {
	rec := &sessionRecord{
		ID:        newSessionID(),
		Model:     opened.Model,
		CreatedAt: now.Unix(),
		Opened:    opened,
	}
	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.mu.Unlock()
	return rec
}

func (s *SessionStore) Get(id string) (*sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Delete removes the session and closes it.
func (s *SessionStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, rec.Opened.Session.Close()
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) CloseAll() error {
	s.mu.Lock()
	recs := s.sessions
	s.sessions = make(map[string]*sessionRecord)
	s.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		if err := rec.Opened.Session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
