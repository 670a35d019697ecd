package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dvloznov/mdraft/internal/domain"
)

const userColumns = `id, email, password_hash, role, plan, is_active, COALESCE(stripe_customer_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Plan, &u.IsActive, &u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser inserts a user. A duplicate email returns ErrConflict.
func (s *Postgres) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, plan, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		u.ID, strings.ToLower(u.Email), u.PasswordHash, u.Role, u.Plan, u.IsActive,
	)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, ErrConflict
		}
		return domain.User{}, fmt.Errorf("CreateUser: %w", err)
	}
	return created, nil
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return u, nil
}

func (s *Postgres) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return u, nil
}

func (s *Postgres) GetUserByStripeCustomer(ctx context.Context, customerID string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`, customerID))
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return u, nil
}

func (s *Postgres) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ListUsers: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUsers: scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserAdmin changes role and/or active flag. Nil leaves a field unchanged.
func (s *Postgres) UpdateUserAdmin(ctx context.Context, id string, role *string, active *bool) (domain.User, error) {
	var roleArg, activeArg any
	if role != nil {
		roleArg = *role
	}
	if active != nil {
		activeArg = *active
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET role = COALESCE($2, role),
			is_active = COALESCE($3, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns, id, roleArg, activeArg))
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return u, nil
}

// SetUserPlan updates the plan and, when non-empty, the Stripe customer ID.
func (s *Postgres) SetUserPlan(ctx context.Context, id, plan, customerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET plan = $2,
			stripe_customer_id = COALESCE($3, stripe_customer_id),
			updated_at = NOW()
		WHERE id = $1`, id, plan, nullString(customerID))
	if err != nil {
		return fmt.Errorf("SetUserPlan: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
