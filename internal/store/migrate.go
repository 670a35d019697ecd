package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version  string
	SQL      string
	Checksum string
}

// MigrationState pairs a migration with its applied timestamp, if any.
type MigrationState struct {
	Version   string
	Applied   bool
	AppliedAt *time.Time
}

// ApplyMigrations applies the embedded migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB) (int, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("open embedded migrations: %w", err)
	}
	return ApplyMigrationsFS(ctx, db, sub)
}

// ApplyMigrationsFS applies every *.up.sql file in fsys that has not run yet,
// in lexical order, each in its own transaction. A migration whose content
// changed after it was applied is reported as an error.
func ApplyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}

	migrations, err := readMigrations(fsys)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		var checksum string
		err := db.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, m.Version).Scan(&checksum)
		switch {
		case err == nil:
			if checksum != "" && checksum != m.Checksum {
				return applied, fmt.Errorf("migration %s was modified after being applied", m.Version)
			}
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return applied, fmt.Errorf("check migration %s: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("execute migration %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, m.Version, m.Checksum); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.Version, err)
		}
		applied++
	}

	return applied, nil
}

// MigrationStatus lists embedded migrations and whether each has been applied.
func MigrationStatus(ctx context.Context, db *sql.DB) ([]MigrationState, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	migrations, err := readMigrations(sub)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := map[string]time.Time{}
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		appliedAt[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	states := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationState{Version: m.Version}
		if at, ok := appliedAt[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		states = append(states, st)
	}
	return states, nil
}

func readMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:  path.Base(name),
			SQL:      string(contents),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(contents)),
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
