package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// jobRow mirrors the jobs table
type jobRow struct {
	RequestID        string         `db:"request_id"`
	Vendor           string         `db:"vendor"`
	Status           string         `db:"status"`
	OriginalPayload  []byte         `db:"original_payload"`
	VendorResponse   []byte         `db:"vendor_response"`
	CleanedData      []byte         `db:"cleaned_data"`
	ErrorMessage     sql.NullString `db:"error_message"`
	RetryCount       int            `db:"retry_count"`
	AwaitingCallback bool           `db:"awaiting_callback"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

const jobColumns = `request_id, vendor, status, original_payload, vendor_response, cleaned_data,
	error_message, retry_count, awaiting_callback, created_at, updated_at, completed_at`

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		RequestID:        r.RequestID,
		VendorKind:       domain.VendorKind(r.Vendor),
		Status:           domain.Status(r.Status),
		OriginalPayload:  rawOrNil(r.OriginalPayload),
		VendorResponse:   rawOrNil(r.VendorResponse),
		CleanedData:      rawOrNil(r.CleanedData),
		ErrorMessage:     r.ErrorMessage.String,
		RetryCount:       r.RetryCount,
		AwaitingCallback: r.AwaitingCallback,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job
}

func rawOrNil(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	return json.RawMessage(b)
}

// jsonArg keeps empty payloads as SQL NULL instead of invalid jsonb
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
