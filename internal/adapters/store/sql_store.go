package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// dialect captures the SQL differences between SQLite and MySQL
type dialect struct {
	name   string
	schema []string
	// upsertTail renders the conflict clause updating cols
	upsertTail func(keys, cols []string) string
}

// SQLStore is a database/sql core.JobStore. Timestamps are stored as unix
// milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, dialect: d, logger: logger}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const jobColumns = "id, user_id, status, progress, total_emails, processed_emails, providers, options, error, retryable, created_at, updated_at"

func jobArgs(job *core.ProcessingJob) ([]any, error) {
	providers, err := json.Marshal(job.Providers)
	if err != nil {
		return nil, fmt.Errorf("encode providers: %w", err)
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return []any{
		job.ID, job.UserID, string(job.Status), job.Progress, job.TotalEmails, job.ProcessedEmails,
		string(providers), string(options), job.Error, job.Retryable,
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.ProcessingJob, error) {
	var (
		job                  core.ProcessingJob
		status               string
		providers, options   string
		createdAt, updatedAt int64
	)
	err := row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &job.TotalEmails, &job.ProcessedEmails,
		&providers, &options, &job.Error, &job.Retryable, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = core.JobStatus(status)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(providers), &job.Providers); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return &job, nil
}

// CreateJob inserts a new job
func (s *SQLStore) CreateJob(ctx context.Context, job *core.ProcessingJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO jobs ("+jobColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", args...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob updates the job row by id
func (s *SQLStore) UpdateJob(ctx context.Context, job *core.ProcessingJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// id moves to the end for the WHERE clause
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET user_id = ?, status = ?, progress = ?, total_emails = ?, processed_emails = ?,
			providers = ?, options = ?, error = ?, retryable = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", job.ID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return core.ErrJobNotFound
		}
	}
	return nil
}

// GetJob returns the job with its results ordered by position
func (s *SQLStore) GetJob(ctx context.Context, id string) (*core.ProcessingJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.provider, r.subject, r.sender, r.received_at, r.position,
			r.success, r.error, r.analysis, COALESCE(o.priority, '')
		FROM job_results r
		LEFT JOIN priority_overrides o ON o.user_id = ? AND o.message_id = r.message_id
		WHERE r.job_id = ?
		ORDER BY r.position`, job.UserID, id)
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	defer rows.Close()

	job.Results = []core.MessageResult{}
	for rows.Next() {
		var (
			r          core.MessageResult
			provider   string
			receivedAt int64
			analysis   sql.NullString
			override   string
		)
		if err := rows.Scan(&r.MessageID, &provider, &r.Subject, &r.From, &receivedAt, &r.Position,
			&r.Success, &r.Error, &analysis, &override); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.JobID = id
		r.Provider = core.Provider(provider)
		r.ReceivedAt = fromMillis(receivedAt)
		if analysis.Valid && analysis.String != "" {
			var a core.AnalysisResult
			if err := json.Unmarshal([]byte(analysis.String), &a); err != nil {
				s.logger.Warn("Skipping undecodable analysis", zap.String("job_id", id),
					zap.String("message_id", r.MessageID), zap.Error(err))
			} else {
				r.Analysis = &a
			}
		}
		if override != "" {
			r = withPriority(r, core.PriorityLevel(override))
		}
		job.Results = append(job.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return job, nil
}

// ListJobs returns matching jobs, newest first, without results
func (s *SQLStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.ProcessingJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, toMillis(filter.UpdatedBefore))
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, toMillis(filter.CreatedAfter))
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*core.ProcessingJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

var resultColumns = []string{"job_id", "message_id", "provider", "subject", "sender", "received_at", "position", "success", "error", "analysis"}

// UpsertResults stores results keyed by job id and message id in one
// transaction
func (s *SQLStore) UpsertResults(ctx context.Context, jobID string, results []core.MessageResult) error {
	if len(results) == 0 {
		return nil
	}
	query := "INSERT INTO job_results (" + strings.Join(resultColumns, ", ") + ") VALUES (" +
		placeholders(len(resultColumns)) + ") " +
		s.dialect.upsertTail([]string{"job_id", "message_id"}, resultColumns[2:])

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		var analysis any
		if r.Analysis != nil {
			data, err := json.Marshal(r.Analysis)
			if err != nil {
				return fmt.Errorf("encode analysis: %w", err)
			}
			analysis = string(data)
		}
		if _, err := stmt.ExecContext(ctx, jobID, r.MessageID, string(r.Provider), r.Subject, r.From,
			toMillis(r.ReceivedAt), r.Position, r.Success, r.Error, analysis); err != nil {
			return fmt.Errorf("upsert result %s: %w", r.MessageID, err)
		}
	}
	return tx.Commit()
}

// SetPriorityOverride records a user-chosen priority
func (s *SQLStore) SetPriorityOverride(ctx context.Context, userID, messageID string, level core.PriorityLevel) error {
	cols := []string{"user_id", "message_id", "priority", "updated_at"}
	query := "INSERT INTO priority_overrides (" + strings.Join(cols, ", ") + ") VALUES (" +
		placeholders(len(cols)) + ") " + s.dialect.upsertTail(cols[:2], cols[2:])
	if _, err := s.db.ExecContext(ctx, query, userID, messageID, string(level), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set priority override: %w", err)
	}
	return nil
}

// DeleteOlderThan removes jobs last updated before cutoff, with their
// results, and priority overrides last set before cutoff
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ms := toMillis(cutoff)
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM job_results WHERE job_id IN (SELECT id FROM jobs WHERE updated_at < ?)", ms); err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE updated_at < ?", ms)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM priority_overrides WHERE updated_at < ?", ms); err != nil {
		return 0, fmt.Errorf("delete overrides: %w", err)
	}
	return n, tx.Commit()
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
