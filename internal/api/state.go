package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateTTL is how long an OAuth state stays redeemable.
const stateTTL = 10 * time.Minute

// StateStore remembers issued OAuth state values. Each value is redeemable
// once, within stateTTL of being issued.
type StateStore struct {
	mu     sync.Mutex
	issued map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		issued: make(map[string]time.Time),
		ttl:    stateTTL,
		now:    time.Now,
	}
}

// Issue creates and remembers a new state value.
func (s *StateStore) Issue() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, at := range s.issued {
		if now.Sub(at) > s.ttl {
			delete(s.issued, state)
		}
	}

	state := uuid.NewString()
	s.issued[state] = now
	return state
}

// Redeem reports whether state was issued and has not expired, and forgets it.
func (s *StateStore) Redeem(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.issued[state]
	if !ok {
		return false
	}
	delete(s.issued, state)
	return s.now().Sub(at) <= s.ttl
}
