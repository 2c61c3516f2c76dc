package session

import "sync"

// LockSet provides one mutex per session id. The cycle executor acquires a
// session's mutex with TryLock so concurrent cycles on the same session fail
// fast; lifecycle transitions acquire it blocking so a transition requested
// while a cycle is in flight is applied strictly after that cycle's
// mutation. Locks for different sessions are independent.
type LockSet struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockSet returns an empty LockSet.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session's mutex is available and acquires it.
func (s *LockSet) Lock(id string) {
	l := s.acquire(id)
	l.mu.Lock()
}

// TryLock acquires the session's mutex if it is free and reports whether it
// did. Callers that receive false must not call Unlock.
func (s *LockSet) TryLock(id string) bool {
	l := s.acquire(id)
	if l.mu.TryLock() {
		return true
	}
	s.release(id)
	return false
}

// Unlock releases the session's mutex acquired by Lock or a successful
// TryLock.
func (s *LockSet) Unlock(id string) {
	s.mu.Lock()
	l, ok := s.locks[id]
	s.mu.Unlock()
	if !ok {
		panic("session: unlock of unheld session lock")
	}
	l.mu.Unlock()
	s.release(id)
}

// acquire returns the lock for id, creating it on first use. Reference
// counts keep the map from growing without bound across session lifetimes.
func (s *LockSet) acquire(id string) *sessionLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	return l
}

func (s *LockSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(s.locks, id)
	}
}
