package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Tables lists what the Postgres store reads and writes, created by migrations/
var Tables = []string{"jobs"}

// Postgres is the JobStore backed by the jobs table
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a new Postgres job store
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new job
func (s *Postgres) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.RequestID,
		string(job.VendorKind),
		string(job.Status),
		jsonArg(job.OriginalPayload),
		jsonArg(job.VendorResponse),
		jsonArg(job.CleanedData),
		nullString(job.ErrorMessage),
		job.RetryCount,
		job.AwaitingCallback,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, job.RequestID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Get loads a job by request id
func (s *Postgres) Get(ctx context.Context, requestID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE request_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// Save writes the mutable fields of a job. The update only applies while the stored
// row is non-terminal, so a finished job can never be reopened or rewritten.
func (s *Postgres) Save(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs
		SET status = $2,
			vendor_response = $3,
			cleaned_data = $4,
			error_message = $5,
			retry_count = $6,
			awaiting_callback = $7,
			updated_at = $8,
			completed_at = $9
		WHERE request_id = $1
		  AND status NOT IN ($10, $11)
	`

	result, err := s.db.ExecContext(ctx, query,
		job.RequestID,
		string(job.Status),
		jsonArg(job.VendorResponse),
		jsonArg(job.CleanedData),
		nullString(job.ErrorMessage),
		job.RetryCount,
		job.AwaitingCallback,
		job.UpdatedAt,
		nullTime(job.CompletedAt),
		string(domain.StatusComplete),
		string(domain.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var current string
	err = s.db.GetContext(ctx, &current, `SELECT status FROM jobs WHERE request_id = $1`, job.RequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}

	s.logger.Warn("Refused to overwrite terminal job",
		slog.String("request_id", job.RequestID),
		slog.String("stored_status", current),
		slog.String("attempted_status", string(job.Status)),
	)
	return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, job.RequestID, current)
}

// List returns up to filter.PageSize+1 jobs, newest first
func (s *Postgres) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Vendor != "" {
		query += fmt.Sprintf(" AND vendor = $%d", argIdx)
		args = append(args, string(filter.Vendor))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, request_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.RequestID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, request_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// Ping checks database connectivity
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
