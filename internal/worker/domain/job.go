package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobRecord is the canonical fax job entity. It is created once, mutated only
// by the pipeline, and read as a snapshot by the history API.
type JobRecord struct {
	JobID                 string     `db:"job_id"`
	DocumentPath          string     `db:"document_path"`
	SnapshotPath          string     `db:"snapshot_path"`
	SenderName            string     `db:"sender_name"`
	RecipientName         string     `db:"recipient_name"`
	RecipientFaxNumber    string     `db:"recipient_fax_number"`
	RecipientOrganization string     `db:"recipient_organization"`
	Priority              string     `db:"priority"`
	Status                string     `db:"status"`
	Attempts              int        `db:"attempts"`
	MaxAttempts           int        `db:"max_attempts"`
	RetryIntervalSeconds  int        `db:"retry_interval_seconds"`
	RemoteTrackingID      string     `db:"remote_tracking_id"`
	ErrorMessage          string     `db:"error_message"`
	PageCount             int        `db:"page_count"`
	SizeBytes             int64      `db:"size_bytes"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	CompletedAt           *time.Time `db:"completed_at"`
}

// DocumentBundle is the ingestion boundary: a document plus enough metadata to
// build a JobRecord. Produced by the folder watcher or interactive composition.
type DocumentBundle struct {
	Path                  string
	SenderName            string
	RecipientName         string
	RecipientFaxNumber    string
	RecipientOrganization string
	Priority              string
	MaxAttempts           int
	RetryIntervalSeconds  int
}

// NewJobRecord builds a QUEUED job from a bundle, applying defaults for any
// optional retry settings the bundle leaves unset.
func NewJobRecord(bundle *DocumentBundle, now time.Time) *JobRecord {
	maxAttempts := bundle.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	retryInterval := bundle.RetryIntervalSeconds
	if retryInterval <= 0 {
		retryInterval = DefaultRetryIntervalSeconds
	}

	priority := bundle.Priority
	if !IsValidPriority(priority) {
		priority = PriorityMedium
	}

	return &JobRecord{
		JobID:                 uuid.New().String(),
		DocumentPath:          bundle.Path,
		SenderName:            bundle.SenderName,
		RecipientName:         bundle.RecipientName,
		RecipientFaxNumber:    bundle.RecipientFaxNumber,
		RecipientOrganization: bundle.RecipientOrganization,
		Priority:              priority,
		Status:                StatusQueued,
		Attempts:              0,
		MaxAttempts:           maxAttempts,
		RetryIntervalSeconds:  retryInterval,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// BeginAttempt consumes one submission attempt and clears the previous
// failure message. Callers must have verified Attempts < MaxAttempts.
func (j *JobRecord) BeginAttempt(now time.Time) {
	j.Attempts++
	j.ErrorMessage = ""
	j.Status = StatusSubmitting
	j.UpdatedAt = now
}

// Finalize moves the job into a terminal state and stamps CompletedAt.
// CompletedAt is set if and only if the job is terminal.
func (j *JobRecord) Finalize(status, errorMessage string, now time.Time) {
	j.Status = status
	j.ErrorMessage = errorMessage
	j.UpdatedAt = now
	completed := now
	j.CompletedAt = &completed
}

// RetryDelay returns the linear backoff before the next attempt:
// base interval scaled by the number of attempts made so far.
func (j *JobRecord) RetryDelay() time.Duration {
	interval := j.RetryIntervalSeconds
	if interval <= 0 {
		interval = DefaultRetryIntervalSeconds
	}
	attempts := j.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(interval*attempts) * time.Second
}

// AttemptsExhausted reports whether the job has no attempts left
func (j *JobRecord) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
