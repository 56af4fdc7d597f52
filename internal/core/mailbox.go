package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// MailboxService applies user mutations to messages and keeps the caches
// consistent with them
type MailboxService struct {
	mutators map[Provider]MessageMutator
	creds    CredentialSupplier
	store    JobStore
	caches   *Caches
	engine   *AnalysisEngine
	users    *UserContextResolver
	logger   *zap.Logger
}

// NewMailboxService creates a mailbox service
func NewMailboxService(
	mutators map[Provider]MessageMutator,
	creds CredentialSupplier,
	store JobStore,
	caches *Caches,
	engine *AnalysisEngine,
	users *UserContextResolver,
	logger *zap.Logger,
) *MailboxService {
	return &MailboxService{
		mutators: mutators,
		creds:    creds,
		store:    store,
		caches:   caches,
		engine:   engine,
		users:    users,
		logger:   logger,
	}
}

// MessageQuery narrows a message listing
type MessageQuery struct {
	Priority PriorityLevel
	Limit    int
}

func (q MessageQuery) filter() string {
	return fmt.Sprintf("priority=%s;limit=%d", q.Priority, q.Limit)
}

// ListMessages returns the analyzed messages of the user's latest completed
// job, with priority overrides applied. Listings are read through the
// email-list cache, which every mutation invalidates.
func (s *MailboxService) ListMessages(ctx context.Context, userID string, q MessageQuery) ([]MessageResult, error) {
	switch q.Priority {
	case "", PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return nil, &ValidationError{Field: "priority", Err: fmt.Errorf("unknown level %q", q.Priority)}
	}
	if q.Limit < 0 {
		return nil, &ValidationError{Field: "limit", Err: errors.New("must not be negative")}
	}

	filter := q.filter()
	if list, ok := s.caches.EmailList.Get(ctx, userID, filter); ok {
		return list, nil
	}

	jobs, err := s.store.ListJobs(ctx, JobFilter{UserID: userID, Status: JobCompleted, Limit: 1})
	if err != nil {
		return nil, &StorageError{Op: "list jobs", Err: err}
	}
	list := []MessageResult{}
	if len(jobs) > 0 {
		job, err := s.store.GetJob(ctx, jobs[0].ID)
		if err != nil {
			return nil, &StorageError{Op: "get job", Err: err}
		}
		for _, r := range job.Results {
			if q.Priority != "" && (r.Analysis == nil || r.Analysis.Priority.Level != q.Priority) {
				continue
			}
			list = append(list, r)
			if q.Limit > 0 && len(list) == q.Limit {
				break
			}
		}
	}

	s.caches.EmailList.Set(ctx, userID, filter, list)
	return list, nil
}

// Apply performs every change in mut. The user's email-list cache is
// invalidated before Apply returns, whether or not the provider call failed.
func (s *MailboxService) Apply(ctx context.Context, userID string, provider Provider, messageID string, mut MessageMutation) error {
	defer s.caches.EmailList.InvalidateUser(ctx, userID)

	if mut.Read != nil || mut.Starred != nil || mut.Delete {
		mutator, ok := s.mutators[provider]
		if !ok {
			return fmt.Errorf("%w: %s does not support mutations", ErrUnknownProvider, provider)
		}
		if s.creds == nil {
			return errors.New("no credential supplier configured")
		}
		creds, err := s.creds.Credentials(ctx, userID, provider)
		if err != nil {
			return fmt.Errorf("credentials for %s: %w", provider, err)
		}

		if mut.Read != nil {
			if err := mutator.MarkRead(ctx, creds, messageID, *mut.Read); err != nil {
				return err
			}
		}
		if mut.Starred != nil {
			if err := mutator.SetStarred(ctx, creds, messageID, *mut.Starred); err != nil {
				return err
			}
		}
		if mut.Delete {
			if err := mutator.Delete(ctx, creds, messageID); err != nil {
				return err
			}
			s.caches.Analysis.Invalidate(ctx, messageID)
		}
	}

	if mut.Priority != nil {
		switch *mut.Priority {
		case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		default:
			return &ValidationError{Field: "priority", Err: fmt.Errorf("unknown level %q", *mut.Priority)}
		}
		if err := s.store.SetPriorityOverride(ctx, userID, messageID, *mut.Priority); err != nil {
			return &StorageError{Op: "set priority", Err: err}
		}
	}

	s.logger.Info("Message updated",
		zap.String("user_id", userID),
		zap.String("provider", string(provider)),
		zap.String("message_id", messageID),
		zap.Bool("deleted", mut.Delete))
	return nil
}

// MarkRead sets the read flag of a message
func (s *MailboxService) MarkRead(ctx context.Context, userID string, provider Provider, messageID string, read bool) error {
	return s.Apply(ctx, userID, provider, messageID, MessageMutation{Read: &read})
}

// SetStarred sets the starred flag of a message
func (s *MailboxService) SetStarred(ctx context.Context, userID string, provider Provider, messageID string, starred bool) error {
	return s.Apply(ctx, userID, provider, messageID, MessageMutation{Starred: &starred})
}

// SetPriority records a user priority override
func (s *MailboxService) SetPriority(ctx context.Context, userID string, provider Provider, messageID string, level PriorityLevel) error {
	return s.Apply(ctx, userID, provider, messageID, MessageMutation{Priority: &level})
}

// Delete removes a message at the provider
func (s *MailboxService) Delete(ctx context.Context, userID string, provider Provider, messageID string) error {
	return s.Apply(ctx, userID, provider, messageID, MessageMutation{Delete: true})
}

// Reprocess drops the cached analysis of msg and analyzes it again
func (s *MailboxService) Reprocess(ctx context.Context, userID string, msg *NormalizedMessage) (*AnalysisOutcome, error) {
	s.caches.Analysis.Invalidate(ctx, msg.ID)
	defer s.caches.EmailList.InvalidateUser(ctx, userID)

	return s.engine.Analyze(ctx, AnalysisRequest{
		Message: msg,
		User:    s.users.Resolve(ctx, userID),
	})
}
