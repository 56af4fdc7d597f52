package core

import (
	"context"
	"encoding/json"
	"time"
)

// ModelRequest is a prompt plus the structured output it should satisfy
type ModelRequest struct {
	SystemPrompt string
	Prompt       string
	SchemaName   string
	Schema       json.RawMessage
}

// ModelResponse is the raw text the model produced
type ModelResponse struct {
	Text  string
	Model string
	ID    string
}

// ModelClient defines the interface for interacting with LLM services
type ModelClient interface {
	// Complete sends the prompt and returns text expected to parse as JSON
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// Name returns the model identifier reported in results
	Name() string
}

// MessageFetcher pulls messages from one provider
type MessageFetcher interface {
	Provider() Provider

	// Fetch returns normalized messages or a *FetchError
	Fetch(ctx context.Context, creds *Credentials, opts FetchOptions) ([]*NormalizedMessage, error)
}

// MessageMutator applies state changes at the provider
type MessageMutator interface {
	MarkRead(ctx context.Context, creds *Credentials, messageID string, read bool) error
	SetStarred(ctx context.Context, creds *Credentials, messageID string, starred bool) error
	Delete(ctx context.Context, creds *Credentials, messageID string) error
}

// CredentialSupplier returns valid access tokens per provider
type CredentialSupplier interface {
	Credentials(ctx context.Context, userID string, provider Provider) (*Credentials, error)
}

// UserContextSupplier returns the profile used to tailor analysis
type UserContextSupplier interface {
	UserContext(ctx context.Context, userID string) (*UserContext, error)
}

// JobStore persists jobs and per-message results
type JobStore interface {
	// CreateJob inserts a new job
	CreateJob(ctx context.Context, job *ProcessingJob) error

	// UpdateJob updates the job row by id, leaving results untouched
	UpdateJob(ctx context.Context, job *ProcessingJob) error

	// GetJob returns the job with its results, or ErrJobNotFound
	GetJob(ctx context.Context, id string) (*ProcessingJob, error)

	// ListJobs returns jobs matching the filter, newest first, without results
	ListJobs(ctx context.Context, filter JobFilter) ([]*ProcessingJob, error)

	// UpsertResults stores results keyed by (job id, message id); re-running
	// stores the same rows
	UpsertResults(ctx context.Context, jobID string, results []MessageResult) error

	// SetPriorityOverride records a user-chosen priority for a message
	SetPriorityOverride(ctx context.Context, userID, messageID string, level PriorityLevel) error

	// DeleteOlderThan removes jobs and results last updated before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobQueue is the FIFO of job ids drained by the worker loop
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue blocks until a job id is available or ctx is done
	Dequeue(ctx context.Context) (string, error)

	Close() error
}

// WindowState is the result of one atomic sliding-window admission attempt
type WindowState struct {
	// Count is the number of admitted requests in the window before this one
	Count int
	// Oldest is the oldest admitted timestamp still in the window
	Oldest time.Time
	// Admitted reports whether the request was recorded
	Admitted bool
}

// WindowStore is the shared backend of the rate limiter
type WindowStore interface {
	// Admit prunes entries older than now-window, and records now when fewer
	// than max entries remain
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowState, error)
}

// CacheStore is the backend of the cache layer
type CacheStore interface {
	// Get returns ErrCacheMiss for absent or expired keys
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
}
