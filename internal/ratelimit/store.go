package ratelimit

import (
	"context"
	"sync"
	"time"
)

// State is the persisted counter for one (bucket, subject, shard) key.
// For token buckets Value is the tokens remaining and Ts the last
// refill instant; for fixed windows Value is the count used and Ts the
// window start.
type State struct {
	Value float64
	Ts    time.Time
}

// StateStore provides atomic read-modify-write on counter state. The
// update callback receives the previous state (nil on first use) and
// returns the next state plus whether to persist it; a denied attempt
// returns write=false so bucket state is never corrupted by denial.
type StateStore interface {
	Update(ctx context.Context, key string, fn func(prev *State) (next State, write bool)) error
}

// MemoryStore keeps counter state in-process behind a mutex. Used by
// tests and by the in-memory storage mode.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]State)}
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn func(prev *State) (State, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *State
	if st, ok := s.state[key]; ok {
		prev = &st
	}

	next, write := fn(prev)
	if write {
		s.state[key] = next
	}
	return nil
}
