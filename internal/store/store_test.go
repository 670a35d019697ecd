package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgres(db), mock
}

var conversionCols = []string{
	"id", "owner_key", "user_id", "filename", "content_type", "size_bytes", "sha256", "storage_key",
	"status", "engine", "markdown", "error", "attempts", "created_at", "updated_at", "started_at", "completed_at",
}

func conversionRow(id, status string) *sqlmock.Rows {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(conversionCols).AddRow(
		id, "user:u1", "u1", "rfp.pdf", "application/pdf", int64(1024), "abc", "uploads/k",
		status, "", "", "", 0, now, now, nil, nil,
	)
}

func TestCreateConversionInserted(t *testing.T) {
	s, mock := newMock(t)
	userID := "u1"

	mock.ExpectQuery(`INSERT INTO conversions .* ON CONFLICT \(owner_key, sha256\) DO NOTHING`).
		WithArgs("c1", "user:u1", "u1", "rfp.pdf", "application/pdf", int64(1024), "abc", "uploads/k", "QUEUED").
		WillReturnRows(conversionRow("c1", "QUEUED"))

	got, created, err := s.CreateConversion(context.Background(), domain.Conversion{
		ID: "c1", OwnerKey: "user:u1", UserID: &userID, Filename: "rfp.pdf", ContentType: "application/pdf",
		SizeBytes: 1024, SHA256: "abc", StorageKey: "uploads/k",
	})
	if err != nil {
		t.Fatalf("CreateConversion: %v", err)
	}
	if !created || got.ID != "c1" || got.Status != domain.StatusQueued || got.UserID == nil || *got.UserID != "u1" {
		t.Errorf("unexpected result created=%v conv=%+v", created, got)
	}
}

func TestCreateConversionDuplicate(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(`INSERT INTO conversions`).WillReturnRows(sqlmock.NewRows(conversionCols))
	mock.ExpectQuery(`SELECT .* FROM conversions\s+WHERE owner_key = \$1 AND sha256 = \$2`).
		WithArgs("user:u1", "abc").
		WillReturnRows(conversionRow("original", "COMPLETED"))

	got, created, err := s.CreateConversion(context.Background(), domain.Conversion{
		ID: "c2", OwnerKey: "user:u1", Filename: "rfp.pdf", SHA256: "abc", StorageKey: "uploads/k2",
	})
	if err != nil {
		t.Fatalf("CreateConversion: %v", err)
	}
	if created {
		t.Error("duplicate should report created=false")
	}
	if got.ID != "original" || got.Status != domain.StatusCompleted {
		t.Errorf("expected existing row, got %+v", got)
	}
}

func TestTransitionConversion(t *testing.T) {
	t.Run("rejects impossible transition without touching the database", func(t *testing.T) {
		s, _ := newMock(t)
		_, err := s.TransitionConversion(context.Background(), "c1",
			[]domain.ConversionStatus{domain.StatusCompleted}, domain.StatusQueued, ConversionPatch{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		s, mock := newMock(t)
		md := "# Title"
		mock.ExpectQuery(`UPDATE conversions SET`).
			WithArgs("c1", "COMPLETED", &md, nil, nil, "PROCESSING").
			WillReturnRows(conversionRow("c1", "COMPLETED"))

		got, err := s.TransitionConversion(context.Background(), "c1",
			[]domain.ConversionStatus{domain.StatusProcessing}, domain.StatusCompleted, ConversionPatch{Markdown: &md})
		if err != nil {
			t.Fatalf("TransitionConversion: %v", err)
		}
		if got.Status != domain.StatusCompleted {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("status moved underneath", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE conversions SET`).WillReturnRows(sqlmock.NewRows(conversionCols))
		mock.ExpectQuery(`SELECT status FROM conversions WHERE id = \$1`).
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

		_, err := s.TransitionConversion(context.Background(), "c1",
			[]domain.ConversionStatus{domain.StatusQueued, domain.StatusFailed}, domain.StatusProcessing, ConversionPatch{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE conversions SET`).WillReturnRows(sqlmock.NewRows(conversionCols))
		mock.ExpectQuery(`SELECT status FROM conversions`).WillReturnError(sql.ErrNoRows)

		_, err := s.TransitionConversion(context.Background(), "nope",
			[]domain.ConversionStatus{domain.StatusQueued}, domain.StatusProcessing, ConversionPatch{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("u1", "a@example.com", "hash", "user", "free", true).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateUser(context.Background(), domain.User{
		ID: "u1", Email: "A@Example.com", PasswordHash: "hash", Role: "user", Plan: "free", IsActive: true,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM users WHERE email = \$1`).
		WithArgs("who@example.com").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUserByEmail(context.Background(), "who@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRevokeAPIKey(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE api_keys SET revoked_at = NOW\(\)`).
		WithArgs("k1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE api_keys SET revoked_at = NOW\(\)`).
		WithArgs("k1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeAPIKey(context.Background(), "u1", "k1"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.RevokeAPIKey(context.Background(), "u1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second revoke err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetJob(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO jobs .* ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	job := &jobs.ConvertDocumentJob{JobID: "j1", ConversionID: "c1", Status: jobs.JobStatusPending, CreatedAt: now}
	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("GetJob err = %v, want ErrJobNotFound", err)
	}
	if err := s.SaveJob(context.Background(), &jobs.ConvertDocumentJob{}); err == nil {
		t.Error("SaveJob without ID should fail")
	}
}

func TestTryAdvisoryLock(t *testing.T) {
	t.Run("acquired and released", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`SELECT pg_try_advisory_lock\(hashtext\(\$1\)\)`).
			WithArgs("conversion:c1").
			WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
		mock.ExpectExec(`SELECT pg_advisory_unlock\(hashtext\(\$1\)\)`).
			WithArgs("conversion:c1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		unlock, ok, err := s.TryAdvisoryLock(context.Background(), "conversion:c1")
		if err != nil || !ok {
			t.Fatalf("TryAdvisoryLock ok=%v err=%v", ok, err)
		}
		unlock()
	})

	t.Run("held elsewhere", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
			WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))

		unlock, ok, err := s.TryAdvisoryLock(context.Background(), "conversion:c1")
		if err != nil || ok || unlock != nil {
			t.Fatalf("expected not acquired, got ok=%v err=%v", ok, err)
		}
	})
}

func TestApplyMigrationsFS(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"0002_more.down.sql": {Data: []byte("DROP TABLE b;")},
	}
	migrations, err := readMigrations(fsys)
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 up migrations, got %d", len(migrations))
	}

	t.Run("applies only pending", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
			WithArgs("0001_init.up.sql").
			WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow(migrations[0].Checksum))
		mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
			WithArgs("0002_more.up.sql").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE TABLE b`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).
			WithArgs("0002_more.up.sql", migrations[1].Checksum).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := ApplyMigrationsFS(context.Background(), s.DB(), fsys)
		if err != nil {
			t.Fatalf("ApplyMigrationsFS: %v", err)
		}
		if n != 1 {
			t.Errorf("applied = %d, want 1", n)
		}
	})

	t.Run("detects edited migration", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
			WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow("stale"))

		if _, err := ApplyMigrationsFS(context.Background(), s.DB(), fsys); err == nil {
			t.Fatal("expected checksum error")
		}
	})
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	migrations, err := readMigrations(mustSub(t))
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if len(migrations) < 2 || migrations[0].Version != "0001_init.up.sql" {
		t.Fatalf("unexpected embedded migrations: %+v", migrations)
	}
}

func TestPurgeBefore(t *testing.T) {
	s, mock := newMock(t)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`DELETE FROM conversions WHERE created_at < \$1\s+RETURNING id, storage_key`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "storage_key"}).
			AddRow("c1", "uploads/a").
			AddRow("c2", "uploads/b"))

	got, err := s.PurgeBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	want := []PurgedConversion{{ID: "c1", StorageKey: "uploads/a"}, {ID: "c2", StorageKey: "uploads/b"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("PurgeBefore = %+v, want %+v", got, want)
	}
}
