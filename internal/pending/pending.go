// Package pending keeps, per user, the last parsed submission key until the
// matching photo arrives. State is process memory only.
package pending

import (
	"time"

	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/submission"
)

// NewStore creates an empty store. Sessions older than ttl are treated as
// absent; ttl <= 0 keeps them until taken or replaced.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put records key for userID, replacing any session the user already had.
func (s *Store) Put(userID string, key submission.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.sessions[userID]; ok {
		logger.Debug("pending session replaced", "user", userID, "old", old.Key.String(), "new", key.String())
	}

	s.sessions[userID] = Session{
		UserID:    userID,
		Key:       key,
		CreatedAt: s.now(),
	}
}

// TakeAndClear removes and returns the session for userID. Only one caller
// can ever observe a given session.
func (s *Store) TakeAndClear(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}

	delete(s.sessions, userID)

	if s.expired(sess) {
		logger.Debug("pending session expired on take", "user", userID, "age", s.now().Sub(sess.CreatedAt))
		return Session{}, false
	}

	return sess, true
}

// Has reports whether userID currently has a live session. The answer may be
// stale by the time the caller acts on it.
func (s *Store) Has(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	return ok && !s.expired(sess)
}

// Restore puts back a session returned by TakeAndClear after the work it was
// taken for failed. A session the user created in the meantime wins, and an
// expired session is not revived.
func (s *Store) Restore(sess Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.UserID]; ok {
		return false
	}

	if s.expired(sess) {
		return false
	}

	s.sessions[sess.UserID] = sess
	return true
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, userID)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored sessions, expired ones included until swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func (s *Store) expired(sess Session) bool {
	return s.ttl > 0 && s.now().Sub(sess.CreatedAt) > s.ttl
}
