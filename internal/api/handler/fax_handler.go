package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mcfax/faxpipe/internal/api/dto"
	"github.com/mcfax/faxpipe/internal/api/model"
	"github.com/mcfax/faxpipe/internal/api/storage"
	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// CreateFax handles POST /api/v1/faxes
// Persists a QUEUED job and publishes it to the pipeline queue
func (h *FaxHandler) CreateFax(c *gin.Context) {
	var req dto.CreateFaxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	if !domain.IsValidPriority(req.Priority) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "priority must be one of LOW, MEDIUM, HIGH",
		})
		return
	}
	if !domain.IsDialableNumber(req.RecipientFaxNumber) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "recipient_fax_number must contain only dialable characters",
		})
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = domain.DefaultMaxAttempts
	}
	if req.RetryIntervalSeconds <= 0 {
		req.RetryIntervalSeconds = domain.DefaultRetryIntervalSeconds
	}

	now := time.Now().UTC()
	job := model.FaxJob{
		JobID:                 uuid.New().String(),
		DocumentPath:          req.DocumentPath,
		SenderName:            req.SenderName,
		RecipientName:         req.RecipientName,
		RecipientFaxNumber:    req.RecipientFaxNumber,
		RecipientOrganization: req.RecipientOrganization,
		Priority:              req.Priority,
		Status:                domain.StatusQueued,
		MaxAttempts:           req.MaxAttempts,
		RetryIntervalSeconds:  req.RetryIntervalSeconds,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// the row is durable before the queue publish: a publish failure leaves a
	// QUEUED row that fax-service recovery picks up on its next start
	if err := h.storage.CreateFaxJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create fax job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create fax job",
		})
		return
	}

	if err := h.publishJob(c, job.JobID, false); err != nil {
		h.logger.Error("Failed to publish fax job, recovery will requeue it",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	h.logger.Info("Fax job accepted",
		slog.String("job_id", job.JobID),
		slog.String("recipient", job.RecipientFaxNumber),
		slog.String("priority", job.Priority),
	)

	c.JSON(http.StatusCreated, toFaxJobDTO(&job))
}

// GetFax handles GET /api/v1/faxes/:job_id
func (h *FaxHandler) GetFax(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetFaxJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Fax job not found",
			})
			return
		}
		h.logger.Error("Failed to get fax job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get fax job",
		})
		return
	}

	c.JSON(http.StatusOK, toFaxJobDTO(job))
}

// ListFaxes handles GET /api/v1/faxes
// Cursor-paginated listing, newest first
func (h *FaxHandler) ListFaxes(c *gin.Context) {
	var req dto.ListFaxesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.IsValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeFaxJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.FaxJobFilter{
		Status:             req.Status,
		RecipientFaxNumber: req.RecipientFaxNumber,
		PageSize:           req.PageSize,
		Cursor:             cursor,
	}

	jobs, err := h.storage.ListFaxJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list fax jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list fax jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	faxes := make([]dto.FaxJobDTO, len(jobs))
	for i := range jobs {
		faxes[i] = toFaxJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeFaxJobCursor(&storage.FaxJobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListFaxesResponse{
		Faxes:      faxes,
		NextCursor: nextCursor,
	})
}

// CancelFax handles POST /api/v1/faxes/:job_id/cancel
// Cancels a job that has not reached the gateway yet
func (h *FaxHandler) CancelFax(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.CancelFaxJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
		h.logger.Info("Fax job canceled", slog.String("job_id", jobID))
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"status": domain.StatusCanceled,
		})

	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Fax job not found",
		})

	case errors.Is(err, storage.ErrNotCancelable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Fax job is not in a cancelable state",
		})

	default:
		h.logger.Error("Failed to cancel fax job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel fax job",
		})
	}
}

// RetryFax handles POST /api/v1/faxes/:job_id/retry
// Releases a RETRYING job immediately instead of waiting out its backoff. The
// worker collapses the release into the pending scheduled one, so the timer
// and the manual action can never both submit.
func (h *FaxHandler) RetryFax(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.CheckRetryable(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Fax job not found",
		})
		return

	case errors.Is(err, storage.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Fax job is not awaiting retry",
		})
		return

	case err != nil:
		h.logger.Error("Failed to check fax job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to check fax job",
		})
		return
	}

	if err := h.publishJob(c, jobID, false); err != nil {
		h.logger.Error("Failed to publish retry-now message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request retry",
		})
		return
	}

	h.logger.Info("Manual retry requested", slog.String("job_id", jobID))
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": domain.StatusRetrying,
	})
}

func (h *FaxHandler) publishJob(c *gin.Context, jobID string, retry bool) error {
	msg := domain.JobMessage{JobID: jobID, Retry: retry}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.rabbitClient.PublishWithRetry(c.Request.Context(), body, "application/json")
}

func toFaxJobDTO(job *model.FaxJob) dto.FaxJobDTO {
	out := dto.FaxJobDTO{
		JobID:                 job.JobID,
		DocumentPath:          job.DocumentPath,
		SenderName:            job.SenderName,
		RecipientName:         job.RecipientName,
		RecipientFaxNumber:    job.RecipientFaxNumber,
		RecipientOrganization: job.RecipientOrganization,
		Priority:              job.Priority,
		Status:                job.Status,
		Attempts:              job.Attempts,
		MaxAttempts:           job.MaxAttempts,
		RetryIntervalSeconds:  job.RetryIntervalSeconds,
		RemoteTrackingID:      job.RemoteTrackingID,
		ErrorMessage:          job.ErrorMessage,
		PageCount:             job.PageCount,
		SizeBytes:             job.SizeBytes,
		CreatedAt:             job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}
