// Package ports declares the driving-side interfaces the trigger surfaces
// depend on.
package ports

import (
	"context"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// JobService starts and tracks processing jobs
type JobService interface {
	StartProcessing(ctx context.Context, userID string, providers []core.ProviderRequest, opts core.FetchOptions) (*core.ProcessingJob, error)
	GetJobStatus(ctx context.Context, id string) (*core.ProcessingJob, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]*core.ProcessingJob, error)

	// CancelJob reports whether a processing job was cancelled
	CancelJob(ctx context.Context, id string) (bool, error)
}

// Mailbox lists a user's analyzed messages and applies user changes to them
type Mailbox interface {
	ListMessages(ctx context.Context, userID string, q core.MessageQuery) ([]core.MessageResult, error)
	Apply(ctx context.Context, userID string, provider core.Provider, messageID string, mut core.MessageMutation) error
}

// Analyzer analyzes a single message outside of a job
type Analyzer interface {
	Analyze(ctx context.Context, req core.AnalysisRequest) (*core.AnalysisOutcome, error)
}
