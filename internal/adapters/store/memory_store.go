package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// MemoryStore is a process-local core.JobStore
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*core.ProcessingJob
	results   map[string]map[string]core.MessageResult
	overrides map[string]override
}

type override struct {
	level     core.PriorityLevel
	updatedAt time.Time
}

// NewMemoryStore creates an empty job store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*core.ProcessingJob),
		results:   make(map[string]map[string]core.MessageResult),
		overrides: make(map[string]override),
	}
}

func overrideKey(userID, messageID string) string {
	return userID + "\x00" + messageID
}

// CreateJob inserts a new job
func (s *MemoryStore) CreateJob(ctx context.Context, job *core.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return &core.StorageError{Op: "create job", Err: errDuplicateJob(job.ID)}
	}
	c := job.Clone()
	c.Results = nil
	s.jobs[job.ID] = c
	return nil
}

// UpdateJob replaces the job row by id
func (s *MemoryStore) UpdateJob(ctx context.Context, job *core.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return core.ErrJobNotFound
	}
	c := job.Clone()
	c.Results = nil
	s.jobs[job.ID] = c
	return nil
}

// GetJob returns the job with its results ordered by position
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*core.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	c := job.Clone()
	c.Results = make([]core.MessageResult, 0, len(s.results[id]))
	for _, r := range s.results[id] {
		if o, ok := s.overrides[overrideKey(job.UserID, r.MessageID)]; ok {
			r = withPriority(r, o.level)
		}
		c.Results = append(c.Results, r)
	}
	sort.Slice(c.Results, func(a, b int) bool {
		return c.Results[a].Position < c.Results[b].Position
	})
	return c, nil
}

// ListJobs returns matching jobs, newest first, without results
func (s *MemoryStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.ProcessingJob, 0)
	for _, job := range s.jobs {
		if !matches(job, filter) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(job *core.ProcessingJob, f core.JobFilter) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !job.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// UpsertResults stores results keyed by job id and message id
func (s *MemoryStore) UpsertResults(ctx context.Context, jobID string, results []core.MessageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return core.ErrJobNotFound
	}
	rows, ok := s.results[jobID]
	if !ok {
		rows = make(map[string]core.MessageResult)
		s.results[jobID] = rows
	}
	for _, r := range results {
		r.JobID = jobID
		rows[r.MessageID] = r
	}
	return nil
}

// SetPriorityOverride records a user-chosen priority
func (s *MemoryStore) SetPriorityOverride(ctx context.Context, userID, messageID string, level core.PriorityLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides[overrideKey(userID, messageID)] = override{level: level, updatedAt: time.Now()}
	return nil
}

// DeleteOlderThan removes jobs last updated before cutoff, with their
// results, and priority overrides last set before cutoff
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.results, id)
			n++
		}
	}
	for key, o := range s.overrides {
		if o.updatedAt.Before(cutoff) {
			delete(s.overrides, key)
		}
	}
	return n, nil
}
