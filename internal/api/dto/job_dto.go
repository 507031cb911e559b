package dto

import "encoding/json"

type CreateJobResponse struct {
	RequestID string `json:"request_id"`
}

type ListJobsRequest struct {
	Status   string `form:"status" binding:"omitempty,oneof=pending processing complete failed"`
	Vendor   string `form:"vendor" binding:"omitempty,oneof=sync async"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the client view of a job. Result is only present for complete jobs,
// Error and RetryCount only for failed ones.
type JobDTO struct {
	RequestID         string          `json:"request_id"`
	Vendor            string          `json:"vendor"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	CompletedAt       string          `json:"completed_at,omitempty"`
	ProcessingStarted string          `json:"processing_started,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	RetryCount        *int            `json:"retry_count,omitempty"`
}

type WebhookResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks"`
	Time    string            `json:"time"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
