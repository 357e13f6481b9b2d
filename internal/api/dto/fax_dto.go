package dto

type CreateFaxRequest struct {
	DocumentPath          string `json:"document_path" binding:"required"`
	SenderName            string `json:"sender_name"`
	RecipientName         string `json:"recipient_name"`
	RecipientFaxNumber    string `json:"recipient_fax_number" binding:"required"`
	RecipientOrganization string `json:"recipient_organization"`
	Priority              string `json:"priority"`
	MaxAttempts           int    `json:"max_attempts"`
	RetryIntervalSeconds  int    `json:"retry_interval_seconds"`
}

type ListFaxesRequest struct {
	Status             string `form:"status"`
	RecipientFaxNumber string `form:"recipient_fax_number"`
	PageSize           int    `form:"page_size"`
	Cursor             string `form:"cursor"`
}

type ListFaxesResponse struct {
	Faxes      []FaxJobDTO `json:"faxes"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type FaxJobDTO struct {
	JobID                 string `json:"job_id"`
	DocumentPath          string `json:"document_path"`
	SenderName            string `json:"sender_name"`
	RecipientName         string `json:"recipient_name"`
	RecipientFaxNumber    string `json:"recipient_fax_number"`
	RecipientOrganization string `json:"recipient_organization,omitempty"`
	Priority              string `json:"priority"`
	Status                string `json:"status"`
	Attempts              int    `json:"attempts"`
	MaxAttempts           int    `json:"max_attempts"`
	RetryIntervalSeconds  int    `json:"retry_interval_seconds"`
	RemoteTrackingID      string `json:"remote_tracking_id,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
	PageCount             int    `json:"page_count,omitempty"`
	SizeBytes             int64  `json:"size_bytes,omitempty"`
	CreatedAt             string `json:"created_at"`
	UpdatedAt             string `json:"updated_at"`
	CompletedAt           string `json:"completed_at,omitempty"`
}
