package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/mdraft/internal/domain"
)

const conversionColumns = `id, owner_key, user_id, filename, content_type, size_bytes, sha256, storage_key,
	status, engine, COALESCE(markdown, ''), error, attempts, created_at, updated_at, started_at, completed_at`

// conversionSummaryColumns skips the Markdown body for list views.
const conversionSummaryColumns = `id, owner_key, user_id, filename, content_type, size_bytes, sha256, storage_key,
	status, engine, '', error, attempts, created_at, updated_at, started_at, completed_at`

func scanConversion(row rowScanner) (domain.Conversion, error) {
	var c domain.Conversion
	var userID sql.NullString
	var started, completed sql.NullTime
	var status string
	err := row.Scan(&c.ID, &c.OwnerKey, &userID, &c.Filename, &c.ContentType, &c.SizeBytes, &c.SHA256, &c.StorageKey,
		&status, &c.Engine, &c.Markdown, &c.Error, &c.Attempts, &c.CreatedAt, &c.UpdatedAt, &started, &completed)
	if err != nil {
		return domain.Conversion{}, err
	}
	c.Status = domain.ConversionStatus(status)
	if userID.Valid {
		c.UserID = &userID.String
	}
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	return c, nil
}

// CreateConversion inserts a QUEUED conversion. When the owner already uploaded
// identical bytes the existing row is returned with created=false.
func (s *Postgres) CreateConversion(ctx context.Context, c domain.Conversion) (domain.Conversion, bool, error) {
	var userID any
	if c.UserID != nil {
		userID = *c.UserID
	}
	if c.Status == "" {
		c.Status = domain.StatusQueued
	}

	created, err := scanConversion(s.db.QueryRowContext(ctx, `
		INSERT INTO conversions (id, owner_key, user_id, filename, content_type, size_bytes, sha256, storage_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_key, sha256) DO NOTHING
		RETURNING `+conversionColumns,
		c.ID, c.OwnerKey, userID, c.Filename, c.ContentType, c.SizeBytes, c.SHA256, c.StorageKey, string(c.Status)))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Conversion{}, false, fmt.Errorf("CreateConversion: inserting: %w", err)
	}

	existing, err := scanConversion(s.db.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE owner_key = $1 AND sha256 = $2`, c.OwnerKey, c.SHA256))
	if err != nil {
		return domain.Conversion{}, false, fmt.Errorf("CreateConversion: loading duplicate: %w", notFound(err))
	}
	return existing, false, nil
}

func (s *Postgres) GetConversion(ctx context.Context, id string) (domain.Conversion, error) {
	c, err := scanConversion(s.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = $1`, id))
	if err != nil {
		return domain.Conversion{}, notFound(err)
	}
	return c, nil
}

// GetConversionForOwner hides other owners' rows behind ErrNotFound.
func (s *Postgres) GetConversionForOwner(ctx context.Context, ownerKey, id string) (domain.Conversion, error) {
	c, err := scanConversion(s.db.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE id = $1 AND owner_key = $2`, id, ownerKey))
	if err != nil {
		return domain.Conversion{}, notFound(err)
	}
	return c, nil
}

// ConversionFilter selects conversions for list views. An empty OwnerKey
// lists across owners (admin).
type ConversionFilter struct {
	OwnerKey string
	Status   domain.ConversionStatus
	Limit    int
	Offset   int
}

func (s *Postgres) ListConversions(ctx context.Context, f ConversionFilter) ([]domain.Conversion, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversionSummaryColumns+` FROM conversions
		WHERE ($1 = '' OR owner_key = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, f.OwnerKey, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("ListConversions: %w", err)
	}
	defer rows.Close()
	return collectConversions(rows)
}

func collectConversions(rows *sql.Rows) ([]domain.Conversion, error) {
	out := []domain.Conversion{}
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversionPatch carries optional column updates for a transition.
type ConversionPatch struct {
	Markdown *string
	Engine   *string
	Error    *string
}

// TransitionConversion moves a conversion to status `to` only if its current
// status is one of `from`. Entering PROCESSING bumps attempts and stamps
// started_at; entering a terminal status stamps completed_at.
func (s *Postgres) TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch ConversionPatch) (domain.Conversion, error) {
	allowed := make([]string, 0, len(from))
	for _, f := range from {
		if !domain.CanTransition(f, to) {
			return domain.Conversion{}, fmt.Errorf("TransitionConversion: %s->%s: %w", f, to, ErrInvalidTransition)
		}
		allowed = append(allowed, string(f))
	}

	c, err := scanConversion(s.db.QueryRowContext(ctx, `
		UPDATE conversions SET
			status = $2,
			updated_at = NOW(),
			attempts = attempts + CASE WHEN $2 = 'PROCESSING' THEN 1 ELSE 0 END,
			started_at = CASE WHEN $2 = 'PROCESSING' THEN NOW() ELSE started_at END,
			completed_at = CASE
				WHEN $2 IN ('COMPLETED', 'FAILED') THEN NOW()
				WHEN $2 = 'QUEUED' THEN NULL
				ELSE completed_at END,
			markdown = COALESCE($3, markdown),
			engine = COALESCE($4, engine),
			error = COALESCE($5, error)
		WHERE id = $1 AND status = ANY(string_to_array($6, ','))
		RETURNING `+conversionColumns,
		id, string(to), patch.Markdown, patch.Engine, patch.Error, strings.Join(allowed, ",")))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Conversion{}, fmt.Errorf("TransitionConversion: %w", err)
	}

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM conversions WHERE id = $1`, id).Scan(&current); err != nil {
		return domain.Conversion{}, notFound(err)
	}
	return domain.Conversion{}, fmt.Errorf("TransitionConversion: %s is %s: %w", id, current, ErrInvalidTransition)
}

// DeleteConversion removes an owner's conversion and returns its storage key.
func (s *Postgres) DeleteConversion(ctx context.Context, ownerKey, id string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM conversions WHERE id = $1 AND owner_key = $2
		RETURNING storage_key`, id, ownerKey).Scan(&key)
	if err != nil {
		return "", notFound(err)
	}
	return key, nil
}

func (s *Postgres) CountConversionsSince(ctx context.Context, ownerKey string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversions
		WHERE owner_key = $1 AND created_at >= $2`, ownerKey, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountConversionsSince: %w", err)
	}
	return n, nil
}

// StaleProcessing lists conversions stuck in PROCESSING since before cutoff.
func (s *Postgres) StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Conversion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversionSummaryColumns+` FROM conversions
		WHERE status = 'PROCESSING' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("StaleProcessing: %w", err)
	}
	defer rows.Close()
	return collectConversions(rows)
}

// PurgedConversion identifies a deleted row so its object and search
// document can be removed too.
type PurgedConversion struct {
	ID         string
	StorageKey string
}

// PurgeBefore deletes conversions created before cutoff.
func (s *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) ([]PurgedConversion, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM conversions WHERE created_at < $1
		RETURNING id, storage_key`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("PurgeBefore: %w", err)
	}
	defer rows.Close()

	purged := []PurgedConversion{}
	for rows.Next() {
		var p PurgedConversion
		if err := rows.Scan(&p.ID, &p.StorageKey); err != nil {
			return nil, fmt.Errorf("PurgeBefore: scan: %w", err)
		}
		purged = append(purged, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("PurgeBefore: %w", err)
	}
	return purged, nil
}

// Stats summarizes the service for the admin dashboard.
type Stats struct {
	ConversionsByStatus map[string]int `json:"conversions_by_status"`
	ConversionsTotal    int            `json:"conversions_total"`
	Users               int            `json:"users"`
	ActiveAPIKeys       int            `json:"active_api_keys"`
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ConversionsByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM conversions GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("Stats: conversions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("Stats: scan: %w", err)
		}
		st.ConversionsByStatus[status] = n
		st.ConversionsTotal += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL)`).Scan(&st.Users, &st.ActiveAPIKeys)
	if err != nil {
		return st, fmt.Errorf("Stats: totals: %w", err)
	}
	return st, nil
}

// DailyCount is one day's conversion count for a status.
type DailyCount struct {
	Day    time.Time `json:"day"`
	Status string    `json:"status"`
	Count  int       `json:"count"`
}

func (s *Postgres) DailyConversionCounts(ctx context.Context, days int) ([]DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', created_at) AS day, status, COUNT(*)
		FROM conversions
		WHERE created_at >= NOW() - make_interval(days => $1)
		GROUP BY day, status
		ORDER BY day, status`, days)
	if err != nil {
		return nil, fmt.Errorf("DailyConversionCounts: %w", err)
	}
	defer rows.Close()

	out := []DailyCount{}
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Day, &d.Status, &d.Count); err != nil {
			return nil, fmt.Errorf("DailyConversionCounts: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
