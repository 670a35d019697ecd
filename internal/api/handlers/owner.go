package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/domain"
)

// VisitorCookie identifies an anonymous uploader across requests.
const VisitorCookie = "mdraft_visitor"

const visitorCookieTTL = 365 * 24 * time.Hour

// Owners resolves who owns the conversions a request touches.
type Owners struct {
	AllowAnonymous bool
	// SecureCookies marks the visitor cookie Secure.
	SecureCookies bool
}

// caller is the resolved owner of a request. User is nil for visitors.
type caller struct {
	OwnerKey string
	User     *domain.User
}

func (c caller) userID() *string {
	if c.User == nil {
		return nil
	}
	id := c.User.ID
	return &id
}

func (c caller) plan() string {
	if c.User == nil {
		return domain.PlanFree
	}
	return c.User.Plan
}

// Resolve returns the caller's owner key. Signed-in callers own by user ID.
// Anonymous callers own by visitor cookie when anonymous uploads are allowed;
// create issues a fresh cookie when none is present.
func (o Owners) Resolve(w http.ResponseWriter, r *http.Request, create bool) (caller, error) {
	if p := auth.FromContext(r.Context()); p != nil {
		u := p.User
		return caller{OwnerKey: p.OwnerKey(), User: &u}, nil
	}
	if !o.AllowAnonymous {
		return caller{}, errUnauthorized
	}

	if ck, err := r.Cookie(VisitorCookie); err == nil {
		if _, err := uuid.Parse(ck.Value); err == nil {
			return caller{OwnerKey: domain.VisitorOwner(ck.Value)}, nil
		}
	}
	if !create {
		return caller{}, errUnauthorized
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(visitorCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   o.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return caller{OwnerKey: domain.VisitorOwner(id)}, nil
}
