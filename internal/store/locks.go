package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"
)

// TryAdvisoryLock takes a session-scoped Postgres advisory lock on key using a
// dedicated pooled connection. ok is false when another session holds it.
// The returned unlock releases the lock and the connection; if the unlock
// statement fails the connection is discarded so the lock dies with it.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key string) (unlock func(), ok bool, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("TryAdvisoryLock: acquiring connection: %w", err)
	}

	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("TryAdvisoryLock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	unlock = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}
	return unlock, true, nil
}
