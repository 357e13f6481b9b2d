package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mcfax/faxpipe/internal/gateway"
	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// processMessage drives one job message under the per-job exclusive lease.
// While the lease is held no other worker may encode, submit, or retry the
// same job id; the lease is dropped when the job parks in RETRYING or ends.
func (w *Worker) processMessage(ctx context.Context, msg *domain.JobMessage) error {
	if !w.leases.TryAcquire(msg.JobID) {
		return domain.ErrJobLeased
	}
	defer w.leases.Release(msg.JobID)

	if msg.Retry {
		return w.processRetry(ctx, msg.JobID)
	}
	return w.processNew(ctx, msg.JobID)
}

// processNew takes a QUEUED job through encoding and its first submission
// attempt
func (w *Worker) processNew(ctx context.Context, jobID string) error {
	job, err := w.store.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) {
			return w.handleUnclaimable(ctx, jobID)
		}
		return domain.NewRetryableError(fmt.Errorf("claim job: %w", err))
	}

	// snapshot the source document once; every attempt reads this immutable
	// copy, so edits to the original between retries cannot change the payload
	if job.SnapshotPath == "" {
		snapshotPath, snapErr := w.snapshotDocument(job)
		if snapErr != nil {
			return w.failEncoding(ctx, job, snapErr)
		}
		job.SnapshotPath = snapshotPath
	}

	document, err := os.ReadFile(job.SnapshotPath)
	if err != nil {
		return w.failEncoding(ctx, job, domain.NewEncodingError(fmt.Errorf("read snapshot: %w", err)))
	}

	artifact, err := w.encoder.Encode(job, document)
	if err != nil {
		return w.failEncoding(ctx, job, err)
	}

	job.PageCount = artifact.PageCount
	job.SizeBytes = artifact.SizeBytes

	w.writeArchive(job, artifact.ArchivalXML)

	return w.attemptSubmission(ctx, job, artifact.TransmissionXML)
}

// processRetry re-drives a job the scheduler released from RETRYING. The
// transmission payload is regenerated from the snapshot; it is never cached
// across attempts.
func (w *Worker) processRetry(ctx context.Context, jobID string) error {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return domain.NewRetryableError(fmt.Errorf("load job for retry: %w", err))
	}

	if job.Status != domain.StatusRetrying {
		// canceled or otherwise moved on while parked; nothing to resubmit
		w.logger.Info("Skipping retry release, job no longer retrying",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return nil
	}

	document, err := os.ReadFile(job.SnapshotPath)
	if err != nil {
		job.Finalize(domain.StatusFailed, fmt.Sprintf("snapshot unreadable on retry: %v", err), time.Now().UTC())
		return w.persistFinal(ctx, job)
	}

	artifact, err := w.encoder.Encode(job, document)
	if err != nil {
		job.Finalize(domain.StatusFailed, err.Error(), time.Now().UTC())
		return w.persistFinal(ctx, job)
	}

	return w.attemptSubmission(ctx, job, artifact.TransmissionXML)
}

// attemptSubmission performs one gateway attempt with write-ahead status
// persistence: SUBMITTING is durable before the gateway call, the outcome
// immediately after. A crash between the call and the outcome write leaves a
// stale SUBMITTING row that recovery requeues, which is why delivery is
// at-least-once rather than exactly-once.
func (w *Worker) attemptSubmission(ctx context.Context, job *domain.JobRecord, transmissionXML []byte) error {
	now := time.Now().UTC()

	if job.AttemptsExhausted() {
		job.Finalize(domain.StatusFailed,
			fmt.Sprintf("%v (last error: %s)", domain.ErrAttemptsExhausted, job.ErrorMessage), now)
		return w.persistFinal(ctx, job)
	}

	// the attempt start is a guarded transition: the write only lands while
	// the row is still ENCODING or RETRYING, so a cancel that slipped in after
	// the job was loaded wins and the gateway is never called
	job.BeginAttempt(now)
	if err := w.store.MarkSubmitting(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobConflict) {
			w.logger.Info("Job left the submittable state before the attempt, skipping",
				slog.String("job_id", job.JobID),
			)
			return nil
		}
		// aborted before the side effect; the message is safe to redeliver
		return domain.NewRetryableError(fmt.Errorf("persist submitting status: %w", err))
	}

	result := w.gateway.Submit(ctx, transmissionXML)

	// an in-flight gateway call is not interruptible; if the job was canceled
	// meanwhile, the result is discarded
	if current, getErr := w.store.Get(ctx, job.JobID); getErr == nil && current.Status == domain.StatusCanceled {
		w.logger.Info("Job canceled during gateway call, discarding result",
			slog.String("job_id", job.JobID),
		)
		return nil
	}

	switch result.Outcome {
	case gateway.OutcomeAccepted:
		return w.recordAccepted(ctx, job, result)

	case gateway.OutcomeTransient:
		return w.recordTransientFailure(ctx, job, result)

	default:
		w.logger.Warn("Fatal gateway failure, failing job",
			slog.String("job_id", job.JobID),
			slog.String("reason", result.Reason),
		)
		job.Finalize(domain.StatusFailed, result.Reason, time.Now().UTC())
		return w.persistFinal(ctx, job)
	}
}

func (w *Worker) recordAccepted(ctx context.Context, job *domain.JobRecord, result gateway.SubmissionResult) error {
	now := time.Now().UTC()

	job.RemoteTrackingID = result.TrackingID
	job.Status = domain.StatusSubmitted
	job.UpdatedAt = now
	if !w.confirmMode {
		// no delivery callback in this deployment: SUBMITTED is the success
		// terminal and gets the completion timestamp
		job.CompletedAt = &now
	}

	if err := w.store.Update(ctx, job); err != nil {
		// the fax is already accepted remotely; recovery may resubmit it once
		w.logger.Error("Failed to persist accepted submission",
			slog.String("job_id", job.JobID),
			slog.String("remote_tracking_id", result.TrackingID),
			slog.Any("error", err),
		)
		return domain.NewRetryableError(fmt.Errorf("persist accepted status: %w", err))
	}

	w.logger.Info("Fax submitted",
		slog.String("job_id", job.JobID),
		slog.String("remote_tracking_id", result.TrackingID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (w *Worker) recordTransientFailure(ctx context.Context, job *domain.JobRecord, result gateway.SubmissionResult) error {
	now := time.Now().UTC()

	if job.AttemptsExhausted() {
		job.Finalize(domain.StatusFailed,
			fmt.Sprintf("%v (last error: %s)", domain.ErrAttemptsExhausted, result.Reason), now)
		return w.persistFinal(ctx, job)
	}

	job.Status = domain.StatusRetrying
	job.ErrorMessage = result.Reason
	job.UpdatedAt = now
	if err := w.store.Update(ctx, job); err != nil {
		return domain.NewRetryableError(fmt.Errorf("persist retrying status: %w", err))
	}

	w.logger.Warn("Transient gateway failure, parking job for retry",
		slog.String("job_id", job.JobID),
		slog.String("reason", result.Reason),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	w.sched.Schedule(job.JobID, job.RetryDelay())
	return nil
}

// handleUnclaimable sorts out a dequeued job that is not QUEUED anymore
func (w *Worker) handleUnclaimable(ctx context.Context, jobID string) error {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return domain.NewRetryableError(fmt.Errorf("inspect unclaimable job: %w", err))
	}

	switch job.Status {
	case domain.StatusRetrying:
		// manual retry-now: collapse into the scheduler's pending release so
		// the timer and the manual action cannot both submit
		if w.sched.ReleaseNow(jobID) {
			w.logger.Info("Manual retry released through scheduler",
				slog.String("job_id", jobID),
			)
		}
		return nil

	case domain.StatusCanceled:
		w.logger.Info("Skipping canceled job",
			slog.String("job_id", jobID),
		)
		return nil

	default:
		// duplicate delivery of a job another worker already drove forward
		w.logger.Info("Skipping job not in QUEUED status",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return nil
	}
}

// failEncoding records a fatal encoding failure. Encoding errors never
// consume a submission attempt and are never retried.
func (w *Worker) failEncoding(ctx context.Context, job *domain.JobRecord, encErr error) error {
	w.logger.Error("Encoding failed, failing job",
		slog.String("job_id", job.JobID),
		slog.String("document", job.DocumentPath),
		slog.Any("error", encErr),
	)

	job.Finalize(domain.StatusFailed, encErr.Error(), time.Now().UTC())
	return w.persistFinal(ctx, job)
}

func (w *Worker) persistFinal(ctx context.Context, job *domain.JobRecord) error {
	if err := w.store.Update(ctx, job); err != nil {
		return domain.NewRetryableError(fmt.Errorf("persist terminal status: %w", err))
	}

	w.logger.Info("Fax job finished",
		slog.String("job_id", job.JobID),
		slog.String("status", job.Status),
		slog.Int("attempts", job.Attempts),
		slog.String("error_message", job.ErrorMessage),
	)
	return nil
}

// snapshotDocument copies the source document into the spool directory. The
// copy is the job's immutable payload source for all attempts.
func (w *Worker) snapshotDocument(job *domain.JobRecord) (string, error) {
	if err := os.MkdirAll(w.spoolDir, 0o755); err != nil {
		return "", domain.NewEncodingError(fmt.Errorf("create spool dir: %w", err))
	}

	snapshotPath := filepath.Join(w.spoolDir, job.JobID+".pdf")

	src, err := os.Open(job.DocumentPath)
	if err != nil {
		return "", domain.NewEncodingError(fmt.Errorf("open source document: %w", err))
	}
	defer src.Close()

	dst, err := os.Create(snapshotPath)
	if err != nil {
		return "", domain.NewEncodingError(fmt.Errorf("create snapshot: %w", err))
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(snapshotPath)
		return "", domain.NewEncodingError(fmt.Errorf("copy snapshot: %w", err))
	}

	return snapshotPath, nil
}

// writeArchive stores the archival XML beside the spool. Best effort: the
// audit record failing to write should not fail the transmission.
func (w *Worker) writeArchive(job *domain.JobRecord, archivalXML []byte) {
	if w.archiveDir == "" {
		return
	}

	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		w.logger.Warn("Failed to create archive dir",
			slog.String("dir", w.archiveDir),
			slog.Any("error", err),
		)
		return
	}

	path := filepath.Join(w.archiveDir, job.JobID+".xml")
	if err := os.WriteFile(path, archivalXML, 0o644); err != nil {
		w.logger.Warn("Failed to write archival XML",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Debug("Archival XML written",
		slog.String("job_id", job.JobID),
		slog.String("path", path),
	)
}
