package model

import "time"

// FaxJob is the API-side row mapping for the fax_jobs table
type FaxJob struct {
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
