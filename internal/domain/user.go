package domain

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

type User struct {
	ID               string
	Email            string
	PasswordHash     string
	Role             string
	Plan             string
	IsActive         bool
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

// APIKey is a long-lived credential. Only the SHA256 of the key is stored.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	Prefix     string
	KeyHash    string
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

func (k APIKey) Active() bool { return k.RevokedAt == nil }
