package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mcfax/faxpipe/internal/api/model"
	"github.com/mcfax/faxpipe/internal/worker/domain"
	"github.com/mcfax/faxpipe/shared/postgresql"
)

// ErrNotCancelable is returned when a job exists but has progressed past the
// point where cancellation is allowed
var ErrNotCancelable = errors.New("fax job is not in a cancelable state")

// ErrNotRetryable is returned when a manual retry is requested for a job that
// is not parked in RETRYING
var ErrNotRetryable = errors.New("fax job is not awaiting retry")

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const faxJobColumns = `
	job_id, document_path, snapshot_path, sender_name,
	recipient_name, recipient_fax_number, recipient_organization,
	priority, status, attempts, max_attempts, retry_interval_seconds,
	remote_tracking_id, error_message, page_count, size_bytes,
	created_at, updated_at, completed_at
`

func (s *Storage) CreateFaxJob(ctx context.Context, job *model.FaxJob) error {
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
	return nil
}

func (s *Storage) GetFaxJobByID(ctx context.Context, jobID string) (*model.FaxJob, error) {
	var job model.FaxJob
	query := `SELECT ` + faxJobColumns + ` FROM fax_jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get fax job: %w", err)
	}
	return &job, nil
}

type FaxJobFilter struct {
	Status             string
	RecipientFaxNumber string
	PageSize           int
	Cursor             *FaxJobCursor
}

type FaxJobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFaxJobs returns up to PageSize+1 rows, newest first; the extra row tells
// the handler whether a next cursor exists
func (s *Storage) ListFaxJobs(ctx context.Context, filter FaxJobFilter) ([]model.FaxJob, error) {
	query := `SELECT ` + faxJobColumns + ` FROM fax_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.RecipientFaxNumber != "" {
		query += fmt.Sprintf(" AND recipient_fax_number = $%d", argIdx)
		args = append(args, filter.RecipientFaxNumber)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.FaxJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list fax jobs: %w", err)
	}
	return jobs, nil
}

// CancelFaxJob marks a job CANCELED if it has not been handed to the gateway
// yet. QUEUED and RETRYING jobs cancel cleanly; anything in flight or terminal
// is rejected. The worker observes the status change before and after its
// gateway call.
func (s *Storage) CancelFaxJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE fax_jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusCanceled, jobID, domain.StatusQueued, domain.StatusRetrying)
	if err != nil {
		return fmt.Errorf("failed to cancel fax job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetFaxJobByID(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrNotCancelable
	}
	return nil
}

// CheckRetryable verifies a job is parked in RETRYING before the handler
// publishes a retry-now message for it
func (s *Storage) CheckRetryable(ctx context.Context, jobID string) error {
	job, err := s.GetFaxJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusRetrying {
		return ErrNotRetryable
	}
	return nil
}
