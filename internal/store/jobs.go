package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvloznov/mdraft/internal/jobs"
)

const jobColumns = `id, conversion_id, owner_key, status, retry_count, max_retries, error, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*jobs.ConvertDocumentJob, error) {
	var j jobs.ConvertDocumentJob
	var status string
	var started, completed sql.NullTime
	if err := row.Scan(&j.JobID, &j.ConversionID, &j.OwnerKey, &status, &j.RetryCount, &j.MaxRetries, &j.Error, &j.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	j.Status = jobs.JobStatus(status)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

// SaveJob implements jobs.JobStore as an upsert keyed by job ID.
func (s *Postgres) SaveJob(ctx context.Context, job *jobs.ConvertDocumentJob) error {
	if job.JobID == "" {
		return errors.New("SaveJob: job ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, conversion_id, owner_key, type, status, retry_count, max_retries, error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		job.JobID, job.ConversionID, job.OwnerKey, string(job.GetType()), string(job.Status),
		job.RetryCount, job.MaxRetries, job.Error, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("SaveJob: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*jobs.ConvertDocumentJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetJob: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetJob: %w", err)
	}
	return j, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ConvertDocumentJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR conversion_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, filter.ConversionID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("ListJobs: %w", err)
	}
	defer rows.Close()

	out := []*jobs.ConvertDocumentJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ListJobs: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, error = CASE WHEN $3 = '' THEN error ELSE $3 END
		WHERE id = $1`, jobID, string(status), errorMsg)
	if err != nil {
		return fmt.Errorf("UpdateJobStatus: %w", err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("UpdateJobStatus: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	return nil
}

var _ jobs.JobStore = (*Postgres)(nil)
