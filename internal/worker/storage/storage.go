// Package storage is the pipeline's write side of the fax job store. The
// store is the single source of truth for job state: every transition is
// persisted before the corresponding external side effect is considered
// complete.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// Storage handles all database operations for the pipeline
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, document_path, snapshot_path, sender_name,
	recipient_name, recipient_fax_number, recipient_organization,
	priority, status, attempts, max_attempts, retry_interval_seconds,
	remote_tracking_id, error_message, page_count, size_bytes,
	created_at, updated_at, completed_at
`

// Create inserts a freshly built QUEUED job
func (s *Storage) Create(ctx context.Context, job *domain.JobRecord) error {
	query := `
		INSERT INTO fax_jobs (
			job_id, document_path, snapshot_path, sender_name,
			recipient_name, recipient_fax_number, recipient_organization,
			priority, status, attempts, max_attempts, retry_interval_seconds,
			remote_tracking_id, error_message, page_count, size_bytes,
			created_at, updated_at, completed_at
		) VALUES (
			:job_id, :document_path, :snapshot_path, :sender_name,
			:recipient_name, :recipient_fax_number, :recipient_organization,
			:priority, :status, :attempts, :max_attempts, :retry_interval_seconds,
			:remote_tracking_id, :error_message, :page_count, :size_bytes,
			:created_at, :updated_at, :completed_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create fax job: %w", err)
	}

	s.logger.Info("Fax job created",
		slog.String("job_id", job.JobID),
		slog.String("recipient", job.RecipientFaxNumber),
		slog.String("priority", job.Priority),
	)
	return nil
}

// Get retrieves a job by id
func (s *Storage) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM fax_jobs WHERE job_id = $1`

	var job domain.JobRecord
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get fax job: %w", err)
	}
	return &job, nil
}

// Claim moves a job QUEUED -> ENCODING with an optimistic status guard, so
// two workers dequeuing the same id cannot both start encoding it.
func (s *Storage) Claim(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	query := `
		UPDATE fax_jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.JobRecord
	err := s.db.GetContext(ctx, &job, query, domain.StatusEncoding, jobID, domain.StatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotClaimable
		}
		return nil, fmt.Errorf("failed to claim fax job: %w", err)
	}

	s.logger.Info("Fax job claimed for encoding",
		slog.String("job_id", jobID),
	)
	return &job, nil
}

// MarkSubmitting persists the start of a submission attempt with a status
// guard, mirroring Claim: the write only lands while the job is still in
// ENCODING or RETRYING. A cancel that slipped in after the worker loaded the
// row therefore wins, and the caller skips the gateway call.
func (s *Storage) MarkSubmitting(ctx context.Context, job *domain.JobRecord) error {
	query := `
		UPDATE fax_jobs
		SET status = $1,
		    attempts = $2,
		    error_message = $3,
		    snapshot_path = $4,
		    page_count = $5,
		    size_bytes = $6,
		    updated_at = NOW()
		WHERE job_id = $7
		  AND status IN ($8, $9)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusSubmitting, job.Attempts, job.ErrorMessage,
		job.SnapshotPath, job.PageCount, job.SizeBytes,
		job.JobID, domain.StatusEncoding, domain.StatusRetrying)
	if err != nil {
		return fmt.Errorf("failed to mark fax job submitting: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobConflict
	}

	s.logger.Debug("Fax job submission attempt started",
		slog.String("job_id", job.JobID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

// Update replaces the whole mutable record, keyed by id. completed_at is
// written as carried on the record; callers set it through domain.Finalize
// so it holds exactly when the status is terminal.
func (s *Storage) Update(ctx context.Context, job *domain.JobRecord) error {
	query := `
		UPDATE fax_jobs
		SET snapshot_path = :snapshot_path,
		    status = :status,
		    attempts = :attempts,
		    remote_tracking_id = :remote_tracking_id,
		    error_message = :error_message,
		    page_count = :page_count,
		    size_bytes = :size_bytes,
		    updated_at = NOW(),
		    completed_at = :completed_at
		WHERE job_id = :job_id
	`

	result, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("failed to update fax job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Debug("Fax job updated",
		slog.String("job_id", job.JobID),
		slog.String("status", job.Status),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

// ListByStatus returns jobs in the given status, oldest first so recovery
// replays them in submission order
func (s *Storage) ListByStatus(ctx context.Context, status string, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + jobColumns + `
		FROM fax_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	var jobs []domain.JobRecord
	if err := s.db.SelectContext(ctx, &jobs, query, status, limit); err != nil {
		return nil, fmt.Errorf("failed to list fax jobs by status: %w", err)
	}
	return jobs, nil
}

// ConfirmDelivery moves a SUBMITTED job to a terminal state on behalf of the
// delivery poller. The status guard keeps it from clobbering jobs that moved
// on in the meantime.
func (s *Storage) ConfirmDelivery(ctx context.Context, jobID, status, errorMessage string) error {
	query := `
		UPDATE fax_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, errorMessage, jobID, domain.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("failed to confirm delivery: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Info("Delivery state recorded",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// RequeueStale resets jobs stranded in ENCODING or SUBMITTING by a crash back
// to QUEUED so startup recovery can re-drive them. A job re-driven this way
// may produce a duplicate gateway submission; that at-least-once window is a
// documented property of the store-before-side-effect ordering.
func (s *Storage) RequeueStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE fax_jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE status IN ($2, $3)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusQueued, domain.StatusEncoding, domain.StatusSubmitting)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale fax jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Warn("Requeued stale fax jobs from previous run",
			slog.Int64("count", rows),
		)
	}
	return rows, nil
}
