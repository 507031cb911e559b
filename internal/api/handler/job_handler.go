package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/api/dto"
	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Accepts any non-empty JSON object, stores it as a pending job and queues it for dispatch
func (h *JobHandler) CreateJob(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "Request body too large"})
			return
		}
		h.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid request body",
			Details: "payload must be a non-empty JSON object",
		})
		return
	}

	vendor := h.selector.Select()
	job := domain.NewJob(uuid.New().String(), vendor, json.RawMessage(body), h.now())
	logger := h.logger.With(
		slog.String("request_id", job.RequestID),
		slog.String("vendor", string(vendor)),
	)

	if err := h.store.Create(c.Request.Context(), job); err != nil {
		logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to create job"})
		return
	}

	msg, err := json.Marshal(domain.DispatchMessage{
		RequestID: job.RequestID,
		Vendor:    vendor,
		Payload:   job.OriginalPayload,
	})
	if err != nil {
		logger.Error("Failed to marshal dispatch message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to queue job"})
		return
	}

	// the job stays pending and visible if the broker is down; clients see 503 and may resubmit
	if err := h.publisher.PublishWithRetry(c.Request.Context(), msg, contentTypeJSON); err != nil {
		logger.Error("Failed to publish dispatch message", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Failed to queue job"})
		return
	}

	h.metrics.JobsCreated.WithLabelValues(string(vendor)).Inc()
	logger.Info("Job created")

	c.JSON(http.StatusCreated, dto.CreateJobResponse{RequestID: job.RequestID})
}

// GetJob handles GET /api/v1/jobs/:request_id
func (h *JobHandler) GetJob(c *gin.Context) {
	requestID := c.Param("request_id")

	if _, err := uuid.Parse(requestID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "request_id must be a valid UUID"})
		return
	}

	job, err := h.store.Get(c.Request.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first, filtered by status and vendor
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters", Details: err.Error()})
		return
	}

	if req.PageSize == 0 {
		req.PageSize = defaultPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), domain.JobFilter{
		Status:   domain.Status(req.Status),
		Vendor:   domain.VendorKind(req.Vendor),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&domain.JobCursor{
			CreatedAt: last.CreatedAt,
			RequestID: last.RequestID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		RequestID: job.RequestID,
		Vendor:    string(job.VendorKind),
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}

	switch job.Status {
	case domain.StatusComplete:
		out.Result = job.CleanedData
	case domain.StatusFailed:
		retries := job.RetryCount
		out.Error = job.ErrorMessage
		out.RetryCount = &retries
	case domain.StatusProcessing:
		out.ProcessingStarted = job.UpdatedAt.Format(time.RFC3339)
	}
	return out
}
