package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/types"
)

// JobRepository handles database operations for email jobs and the
// delivery log.
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

const emailJobColumns = `
	id, job_id, group_id, app_id, status, attempt_count, scheduled_at,
	subject, message, recipients, sender_name, sender_email, host, username,
	last_error, started_at, completed_at, failed_at, created_at, updated_at
`

func scanEmailJob(row pgx.Row) (*EmailJob, error) {
	var job EmailJob
	err := row.Scan(
		&job.ID,
		&job.JobID,
		&job.GroupID,
		&job.AppID,
		&job.Status,
		&job.AttemptCount,
		&job.ScheduledAt,
		&job.Subject,
		&job.Message,
		&job.Recipients,
		&job.SenderName,
		&job.SenderEmail,
		&job.Host,
		&job.Username,
		&job.LastError,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateEmailJobs inserts a batch of pending jobs in one transaction.
func (r *JobRepository) CreateEmailJobs(ctx context.Context, jobs []*EmailJob) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO email_jobs (
			id, job_id, group_id, app_id, status, scheduled_at, subject,
			message, recipients, sender_name, sender_email, host, username
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at, updated_at
	`

	for _, job := range jobs {
		err := tx.QueryRow(ctx, query,
			job.ID, job.JobID, job.GroupID, job.AppID, job.Status,
			job.ScheduledAt, job.Subject, job.Message, job.Recipients,
			job.SenderName, job.SenderEmail, job.Host, job.Username,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert email job %s: %w", job.JobID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("email jobs created",
		zap.Int("count", len(jobs)),
		zap.String("group_id", jobs[0].GroupID),
	)

	return nil
}

// FindEligibleJobs returns jobs ready for dispatch: pending or failed, under
// the attempt cap, and either unscheduled or due. Unscheduled ("send now")
// jobs sort ahead of due scheduled jobs so they are never starved.
func (r *JobRepository) FindEligibleJobs(ctx context.Context, limit int, now time.Time) ([]*EmailJob, error) {
	query := `
		SELECT ` + emailJobColumns + `
		FROM email_jobs
		WHERE status IN ('pending', 'failed')
		  AND attempt_count < $1
		  AND (scheduled_at IS NULL OR scheduled_at <= $2)
		ORDER BY scheduled_at ASC NULLS FIRST, created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, MaxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*EmailJob
	for rows.Next() {
		job, err := scanEmailJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// ClaimJob atomically transitions a job to processing and counts the
// attempt. The conditional update makes overlapping ticks safe: only one
// claimer wins, the other gets (nil, nil) and skips the job. The attempt is
// counted before any send so a crash mid-send cannot retry a poison job
// forever.
func (r *JobRepository) ClaimJob(ctx context.Context, id string, now time.Time) (*EmailJob, error) {
	query := `
		UPDATE email_jobs
		SET status = 'processing',
		    started_at = $2,
		    attempt_count = attempt_count + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING ` + emailJobColumns + `
	`

	job, err := scanEmailJob(r.db.Pool().QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkJobCompleted records a successful send and clears the last error.
func (r *JobRepository) MarkJobCompleted(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE email_jobs
		SET status = 'completed', completed_at = $2, last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, now); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkJobFailed records a failed attempt with its reason.
func (r *JobRepository) MarkJobFailed(ctx context.Context, id, reason string, now time.Time) error {
	query := `
		UPDATE email_jobs
		SET status = 'failed', failed_at = $2, last_error = $3,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, now, reason); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// GetJobByJobID retrieves a job by its public job id.
func (r *JobRepository) GetJobByJobID(ctx context.Context, jobID string) (*EmailJob, error) {
	query := `
		SELECT ` + emailJobColumns + `
		FROM email_jobs
		WHERE job_id = $1
	`

	job, err := scanEmailJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobsByGroup retrieves all jobs belonging to one enqueue group.
func (r *JobRepository) ListJobsByGroup(ctx context.Context, groupID string) ([]*EmailJob, error) {
	query := `
		SELECT ` + emailJobColumns + `
		FROM email_jobs
		WHERE group_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("query jobs by group: %w", err)
	}
	defer rows.Close()

	var jobs []*EmailJob
	for rows.Next() {
		job, err := scanEmailJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// InsertMailLog appends a delivery-log record. A duplicate provider message
// id surfaces as types.ErrConflict so the caller can retry with a
// disambiguated id.
func (r *JobRepository) InsertMailLog(ctx context.Context, entry *MailLog) error {
	query := `
		INSERT INTO maillog (
			id, message_id, app_id, subject, sender_name, sender_email,
			host, username, recipients, message
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID, entry.MessageID, entry.AppID, entry.Subject,
		entry.SenderName, entry.SenderEmail, entry.Host, entry.Username,
		entry.Recipients, entry.Message,
	).Scan(&entry.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("maillog message id %s: %w", entry.MessageID, types.ErrConflict)
		}
		return fmt.Errorf("insert maillog: %w", err)
	}

	return nil
}
