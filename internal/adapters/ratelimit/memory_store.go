package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// MemoryStore is a process-local core.WindowStore for single-instance
// deployments and tests
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty window store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Admit prunes entries at or before now-window and records now when fewer
// than max entries remain
func (s *MemoryStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (core.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, t := range s.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	state := core.WindowState{Count: len(kept)}
	if len(kept) < max {
		kept = append(kept, now)
		state.Admitted = true
	}
	if len(kept) > 0 {
		state.Oldest = kept[0]
	}

	if len(kept) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = kept
	}
	return state, nil
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
