package session

import (
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex. Expiry is
// enforced lazily on Get and Consume; Sweep exists for callers that want to
// reclaim abandoned entries in the background.
type MemoryStore struct {
	mu  sync.Mutex
	m   map[string]Session
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:   make(map[string]Session),
		now: time.Now,
	}
}

func (s *MemoryStore) Put(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	s.m[sess.Key] = sess
	return nil
}

func (s *MemoryStore) Get(key string, maxAge time.Duration) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[key]
	if !ok {
		return Session{}, false
	}
	if s.expired(sess, maxAge) {
		delete(s.m, key)
		return Session{}, false
	}
	return sess, true
}

func (s *MemoryStore) Consume(key string, maxAge time.Duration) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[key]
	if !ok {
		return Session{}, false
	}
	delete(s.m, key)
	if s.expired(sess, maxAge) {
		return Session{}, false
	}
	return sess, true
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Len reports the number of pending sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Sweep evicts every session older than maxAge and returns how many were
// removed.
func (s *MemoryStore) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, sess := range s.m {
		if s.expired(sess, maxAge) {
			delete(s.m, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) expired(sess Session, maxAge time.Duration) bool {
	return maxAge > 0 && sess.Age(s.now()) > maxAge
}
