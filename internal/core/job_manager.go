package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job progress milestones
const (
	ProgressFetched  = 10
	ProgressAnalyzed = 90
	ProgressDone     = 100
)

// CancelReason is the error recorded on user-cancelled jobs
const CancelReason = "cancelled by user"

var errJobCancelled = errors.New(CancelReason)

// JobManagerConfig tunes orchestration and maintenance
type JobManagerConfig struct {
	ProviderTimeout time.Duration
	FetchRetry      RetryPolicy
	DefaultOptions  FetchOptions
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	Retention       time.Duration
}

// DefaultJobManagerConfig holds the stock settings
var DefaultJobManagerConfig = JobManagerConfig{
	ProviderTimeout: 30 * time.Second,
	FetchRetry:      DefaultRetryPolicy,
	DefaultOptions:  FetchOptions{MaxResults: 50},
	StaleAfter:      30 * time.Minute,
	SweepInterval:   5 * time.Minute,
	Retention:       30 * 24 * time.Hour,
}

// activeJob is a job currently executing in this process
type activeJob struct {
	mu        sync.Mutex
	job       *ProcessingJob
	cancelled bool
}

// JobManager owns the lifecycle of processing jobs
type JobManager struct {
	store    JobStore
	queue    JobQueue
	engine   *AnalysisEngine
	fetchers map[Provider]MessageFetcher
	creds    CredentialSupplier
	users    *UserContextResolver
	limiter  *RateLimiter
	lists    *EmailListCache
	logger   *zap.Logger
	cfg      JobManagerConfig

	mu     sync.Mutex
	active map[string]*activeJob

	now        func() time.Time
	newID      func() string
	onProgress func(ProcessingJob)
}

// NewJobManager creates a job manager. creds, limiter and lists may be nil.
func NewJobManager(
	store JobStore,
	queue JobQueue,
	engine *AnalysisEngine,
	fetchers []MessageFetcher,
	creds CredentialSupplier,
	users *UserContextResolver,
	limiter *RateLimiter,
	lists *EmailListCache,
	logger *zap.Logger,
	cfg JobManagerConfig,
) *JobManager {
	byProvider := make(map[Provider]MessageFetcher, len(fetchers))
	for _, f := range fetchers {
		byProvider[f.Provider()] = f
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultJobManagerConfig.ProviderTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultJobManagerConfig.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultJobManagerConfig.SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultJobManagerConfig.Retention
	}
	return &JobManager{
		store:    store,
		queue:    queue,
		engine:   engine,
		fetchers: byProvider,
		creds:    creds,
		users:    users,
		limiter:  limiter,
		lists:    lists,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]*activeJob),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source
func (m *JobManager) SetClock(now func() time.Time) {
	m.now = now
}

// OnProgress registers a callback invoked after every persisted job update
func (m *JobManager) OnProgress(fn func(ProcessingJob)) {
	m.onProgress = fn
}

// StartProcessing creates a pending job, enqueues it and returns at once
func (m *JobManager) StartProcessing(ctx context.Context, userID string, providers []ProviderRequest, opts FetchOptions) (*ProcessingJob, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "user_id", Err: errors.New("must not be empty")}
	}
	if m.limiter != nil {
		if err := m.limiter.Check(ctx, ProfileEmailSync, RateSubject{UserID: userID}); err != nil {
			return nil, err
		}
	}

	now := m.now()
	job := &ProcessingJob{
		ID:        m.newID(),
		UserID:    userID,
		Providers: withoutTokens(providers),
		Options:   opts,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, &StorageError{Op: "create job", Err: err}
	}
	if err := m.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	m.logger.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.Int("providers", len(providers)))

	return job.Clone(), nil
}

// withoutTokens keeps the accounts of reqs and drops any access tokens.
// Tokens are resolved through the credential supplier when the job runs.
func withoutTokens(reqs []ProviderRequest) []ProviderRequest {
	out := make([]ProviderRequest, len(reqs))
	for i, req := range reqs {
		out[i] = req
		if req.Credentials != nil {
			out[i].Credentials = &Credentials{Account: req.Credentials.Account}
		}
	}
	return out
}

// GetJobStatus returns the job from the active set, falling back to the store
func (m *JobManager) GetJobStatus(ctx context.Context, id string) (*ProcessingJob, error) {
	if aj := m.activeJob(id); aj != nil {
		aj.mu.Lock()
		defer aj.mu.Unlock()
		return aj.job.Clone(), nil
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get job", Err: err}
	}
	return job, nil
}

// ListJobs returns the user's jobs, newest first
func (m *JobManager) ListJobs(ctx context.Context, userID string, limit int) ([]*ProcessingJob, error) {
	jobs, err := m.store.ListJobs(ctx, JobFilter{UserID: userID, Limit: limit})
	if err != nil {
		return nil, &StorageError{Op: "list jobs", Err: err}
	}
	return jobs, nil
}

// CancelJob fails a processing job with the cancellation reason. It returns
// false for jobs in any other state.
func (m *JobManager) CancelJob(ctx context.Context, id string) (bool, error) {
	if aj := m.activeJob(id); aj != nil {
		aj.mu.Lock()
		if aj.job.Status != JobProcessing || aj.cancelled {
			aj.mu.Unlock()
			return false, nil
		}
		aj.cancelled = true
		m.markFailed(aj.job, CancelReason, false)
		snapshot := m.snapshot(aj.job)
		err := m.store.UpdateJob(ctx, snapshot)
		aj.mu.Unlock()

		m.removeActive(id)
		m.notify(snapshot)
		if err != nil {
			return true, &StorageError{Op: "cancel job", Err: err}
		}
		m.logger.Info("Job cancelled", zap.String("job_id", id))
		return true, nil
	}

	// Executing on another instance, or not at all
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return false, err
		}
		return false, &StorageError{Op: "get job", Err: err}
	}
	if job.Status != JobProcessing {
		return false, nil
	}
	m.markFailed(job, CancelReason, false)
	job.Results = nil
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return false, &StorageError{Op: "cancel job", Err: err}
	}
	m.logger.Info("Job cancelled in store", zap.String("job_id", id))
	return true, nil
}

// Run drains the job queue one job at a time until ctx is done
func (m *JobManager) Run(ctx context.Context) error {
	m.logger.Info("Job worker started")
	for {
		id, err := m.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.logger.Info("Job worker stopped")
				return nil
			}
			m.logger.Error("Failed to dequeue job", zap.Error(err))
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return nil
			}
			continue
		}
		if err := m.ProcessJob(ctx, id); err != nil {
			m.logger.Error("Job failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// ProcessJob executes one pending job end to end. Jobs no longer pending
// are skipped.
func (m *JobManager) ProcessJob(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			m.logger.Warn("Dequeued unknown job", zap.String("job_id", id))
			return nil
		}
		return &StorageError{Op: "get job", Err: err}
	}
	if job.Status != JobPending {
		m.logger.Debug("Skipping job that is not pending",
			zap.String("job_id", id),
			zap.String("status", string(job.Status)))
		return nil
	}

	aj := &activeJob{job: job}
	m.mu.Lock()
	m.active[id] = aj
	m.mu.Unlock()
	defer m.removeActive(id)

	err = m.execute(ctx, aj)
	if err == nil {
		return nil
	}
	if errors.Is(err, errJobCancelled) {
		m.logger.Info("Job stopped after cancellation", zap.String("job_id", id))
		return nil
	}

	aj.mu.Lock()
	if !aj.cancelled {
		m.markFailed(aj.job, err.Error(), IsRetryable(err) || ctx.Err() != nil)
		snapshot := m.snapshot(aj.job)
		if uerr := m.store.UpdateJob(context.WithoutCancel(ctx), snapshot); uerr != nil {
			m.logger.Error("Failed to persist job failure", zap.String("job_id", id), zap.Error(uerr))
		}
		aj.mu.Unlock()
		m.notify(snapshot)
	} else {
		aj.mu.Unlock()
	}
	return err
}

func (m *JobManager) execute(ctx context.Context, aj *activeJob) error {
	if err := m.update(ctx, aj, func(j *ProcessingJob) {
		j.Status = JobProcessing
		j.Progress = 0
	}); err != nil {
		return err
	}

	job := aj.job
	logger := m.logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	logger.Info("Job processing started")

	messages, err := m.fetchAll(ctx, job, logger)
	if err != nil {
		return err
	}
	if err := m.update(ctx, aj, func(j *ProcessingJob) {
		j.TotalEmails = len(messages)
		j.Progress = ProgressFetched
	}); err != nil {
		return err
	}

	user := m.users.Resolve(ctx, job.UserID)
	cfg := m.engine.Config()
	batches := (len(messages) + cfg.BatchSize - 1) / cfg.BatchSize

	for b := 0; b < batches; b++ {
		if m.isCancelled(aj) || m.cancelledElsewhere(ctx, aj) {
			return errJobCancelled
		}
		if b > 0 && cfg.BatchDelay > 0 {
			if err := sleepCtx(ctx, cfg.BatchDelay); err != nil {
				return err
			}
		}

		start := b * cfg.BatchSize
		end := min(start+cfg.BatchSize, len(messages))
		chunk := messages[start:end]

		reqs := make([]AnalysisRequest, len(chunk))
		for i, msg := range chunk {
			reqs[i] = AnalysisRequest{Message: msg, User: user}
		}
		outcomes := m.engine.AnalyzeBatch(ctx, reqs)

		results := make([]MessageResult, len(chunk))
		failed := 0
		for i, msg := range chunk {
			results[i] = messageResult(job.ID, start+i, msg, outcomes[i])
			if !outcomes[i].Success {
				failed++
			}
		}

		// Results and counters land together; a batch that loses the race
		// with a cancel is dropped whole.
		progress := ProgressFetched + (ProgressAnalyzed-ProgressFetched)*(b+1)/batches
		if err := m.commit(ctx, aj, func(j *ProcessingJob) error {
			if err := m.store.UpsertResults(ctx, j.ID, results); err != nil {
				return &StorageError{Op: "upsert results", Err: err}
			}
			j.Results = append(j.Results, results...)
			j.ProcessedEmails += len(chunk)
			j.Progress = progress
			return nil
		}); err != nil {
			return err
		}

		logger.Debug("Batch analyzed",
			zap.Int("batch", b+1),
			zap.Int("batches", batches),
			zap.Int("size", len(chunk)),
			zap.Int("fallbacks", failed))
	}

	if err := m.update(ctx, aj, func(j *ProcessingJob) {
		j.Status = JobCompleted
		j.Progress = ProgressDone
		j.Error = ""
		j.Retryable = false
	}); err != nil {
		return err
	}

	if m.lists != nil {
		m.lists.InvalidateUser(ctx, job.UserID)
	}
	logger.Info("Job completed", zap.Int("emails", len(messages)))
	return nil
}

func messageResult(jobID string, position int, msg *NormalizedMessage, outcome AnalysisOutcome) MessageResult {
	r := MessageResult{
		JobID:      jobID,
		MessageID:  msg.ID,
		Provider:   msg.Provider,
		Subject:    msg.Subject,
		From:       msg.From.Email,
		ReceivedAt: msg.ReceivedAt,
		Position:   position,
		Analysis:   outcome.Analysis,
		Success:    outcome.Success,
	}
	if outcome.Err != nil {
		r.Error = outcome.Err.Error()
	}
	return r
}

type providerFetch struct {
	messages []*NormalizedMessage
	err      error
}

// fetchAll fetches every provider independently and merges the output newest
// first. It fails only when every provider failed.
func (m *JobManager) fetchAll(ctx context.Context, job *ProcessingJob, logger *zap.Logger) ([]*NormalizedMessage, error) {
	fetched := make([]providerFetch, len(job.Providers))

	var g errgroup.Group
	for i, req := range job.Providers {
		i, req := i, req
		g.Go(func() error {
			msgs, err := m.fetchProvider(ctx, job, req)
			if err != nil {
				logger.Warn("Provider fetch failed",
					zap.String("provider", string(req.Provider)),
					zap.Bool("retryable", IsRetryable(err)),
					zap.Error(err))
			}
			fetched[i] = providerFetch{messages: msgs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var (
		merged    []*NormalizedMessage
		errs      []string
		retryable bool
		succeeded int
	)
	for i, f := range fetched {
		if f.err != nil {
			errs = append(errs, f.err.Error())
			retryable = retryable || IsRetryable(f.err)
			continue
		}
		succeeded++
		merged = append(merged, f.messages...)
		logger.Debug("Provider fetched",
			zap.String("provider", string(job.Providers[i].Provider)),
			zap.Int("messages", len(f.messages)))
	}
	if succeeded == 0 {
		return nil, &FetchError{
			Retryable: retryable,
			Err:       fmt.Errorf("all providers failed: %s", strings.Join(errs, "; ")),
		}
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].ReceivedAt.After(merged[b].ReceivedAt)
	})
	return merged, nil
}

func (m *JobManager) fetchProvider(ctx context.Context, job *ProcessingJob, req ProviderRequest) ([]*NormalizedMessage, error) {
	fetcher, ok := m.fetchers[req.Provider]
	if !ok {
		return nil, &FetchError{Provider: req.Provider, Err: ErrUnknownProvider}
	}

	// Jobs carry at most an account; tokens always come from the supplier
	creds := req.Credentials
	if (creds == nil || creds.AccessToken == "") && m.creds != nil {
		supplied, err := m.creds.Credentials(ctx, job.UserID, req.Provider)
		switch {
		case err == nil:
			creds = supplied
		case creds == nil:
			return nil, NewFetchError(req.Provider, 0, fmt.Errorf("credentials: %w", err))
		}
	}
	if creds == nil {
		return nil, &FetchError{Provider: req.Provider, Err: errors.New("no credentials supplied")}
	}

	opts := req.Options.merge(job.Options).merge(m.cfg.DefaultOptions)

	var msgs []*NormalizedMessage
	res := Retry(ctx, m.cfg.FetchRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		defer cancel()

		var err error
		msgs, err = fetcher.Fetch(callCtx, creds, opts)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &FetchError{Provider: req.Provider, Retryable: true, Err: context.DeadlineExceeded}
		}
		return err
	}, nil)
	if !res.OK() {
		var fe *FetchError
		if errors.As(res.Err, &fe) {
			return nil, res.Err
		}
		return nil, NewFetchError(req.Provider, 0, res.Err)
	}

	out := make([]*NormalizedMessage, 0, len(msgs))
	for _, msg := range msgs {
		if !opts.Matches(msg) {
			continue
		}
		if msg.Provider == "" {
			msg.Provider = req.Provider
		}
		out = append(out, msg)
	}
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

// update applies fn to the active job and persists it, unless the job has
// been cancelled in the meantime
func (m *JobManager) update(ctx context.Context, aj *activeJob, fn func(*ProcessingJob)) error {
	return m.commit(ctx, aj, func(j *ProcessingJob) error {
		fn(j)
		return nil
	})
}

// commit runs fn and persists the job under the job lock, unless the job
// was cancelled first. An error from fn leaves the row unwritten.
func (m *JobManager) commit(ctx context.Context, aj *activeJob, fn func(*ProcessingJob) error) error {
	aj.mu.Lock()
	if aj.cancelled {
		aj.mu.Unlock()
		return errJobCancelled
	}
	if err := fn(aj.job); err != nil {
		aj.mu.Unlock()
		return err
	}
	aj.job.UpdatedAt = m.now()
	snapshot := m.snapshot(aj.job)
	err := m.store.UpdateJob(ctx, snapshot)
	aj.mu.Unlock()

	if err != nil {
		return &StorageError{Op: "update job", Err: err}
	}
	m.notify(snapshot)
	return nil
}

func (m *JobManager) markFailed(job *ProcessingJob, reason string, retryable bool) {
	job.Status = JobFailed
	job.Error = reason
	job.Retryable = retryable
	job.UpdatedAt = m.now()
}

// snapshot copies the job row without its results
func (m *JobManager) snapshot(job *ProcessingJob) *ProcessingJob {
	c := job.Clone()
	c.Results = nil
	return c
}

func (m *JobManager) notify(job *ProcessingJob) {
	if m.onProgress != nil {
		m.onProgress(*job)
	}
}

func (m *JobManager) isCancelled(aj *activeJob) bool {
	aj.mu.Lock()
	defer aj.mu.Unlock()
	return aj.cancelled
}

// cancelledElsewhere picks up a cancellation written to the store by another
// instance and stops this run without overwriting it
func (m *JobManager) cancelledElsewhere(ctx context.Context, aj *activeJob) bool {
	stored, err := m.store.GetJob(ctx, aj.job.ID)
	if err != nil || stored.Status != JobFailed {
		return false
	}
	aj.mu.Lock()
	aj.cancelled = true
	aj.job.Status = stored.Status
	aj.job.Error = stored.Error
	aj.mu.Unlock()
	return true
}

func (m *JobManager) activeJob(id string) *activeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *JobManager) removeActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Recover re-enqueues stored pending jobs, oldest first
func (m *JobManager) Recover(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, JobFilter{Status: JobPending})
	if err != nil {
		return 0, &StorageError{Op: "list pending jobs", Err: err}
	}
	n := 0
	for i := len(jobs) - 1; i >= 0; i-- {
		if err := m.queue.Enqueue(ctx, jobs[i].ID); err != nil {
			return n, fmt.Errorf("failed to re-enqueue job %s: %w", jobs[i].ID, err)
		}
		n++
	}
	if n > 0 {
		m.logger.Info("Recovered pending jobs", zap.Int("count", n))
	}
	return n, nil
}

// SweepStale fails processing jobs that have made no progress within the
// staleness threshold and are not running in this process
func (m *JobManager) SweepStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.StaleAfter)
	jobs, err := m.store.ListJobs(ctx, JobFilter{Status: JobProcessing, UpdatedBefore: cutoff})
	if err != nil {
		return 0, &StorageError{Op: "list stale jobs", Err: err}
	}

	n := 0
	for _, job := range jobs {
		if m.activeJob(job.ID) != nil {
			continue
		}
		m.markFailed(job, fmt.Sprintf("abandoned: no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339)), true)
		if err := m.store.UpdateJob(ctx, job); err != nil {
			return n, &StorageError{Op: "fail stale job", Err: err}
		}
		m.logger.Warn("Marked stale job as failed",
			zap.String("job_id", job.ID),
			zap.Time("last_update", job.UpdatedAt))
		n++
	}
	return n, nil
}

// Cleanup deletes jobs and results older than the retention window
func (m *JobManager) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteOlderThan(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, &StorageError{Op: "cleanup", Err: err}
	}
	if n > 0 {
		m.logger.Info("Removed expired jobs", zap.Int64("count", n))
	}
	return n, nil
}

// StartMaintenance runs the stale sweep and retention cleanup periodically
// until ctx is done
func (m *JobManager) StartMaintenance(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := m.SweepStale(ctx); err != nil {
					m.logger.Error("Stale job sweep failed", zap.Error(err))
				}
				if _, err := m.Cleanup(ctx); err != nil {
					m.logger.Error("Job cleanup failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
