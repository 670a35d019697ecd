// Package handlers implements the mdraft HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/antivirus"
	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/billing"
	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/logger"
	"github.com/dvloznov/mdraft/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxJSONBody     = 1 << 20
)

// UserStore is the account surface used by auth and admin endpoints.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	GetUserByID(ctx context.Context, id string) (domain.User, error)
}

// KeyStore manages API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, id string) error
}

// ConversionStore is the conversion surface shared by upload, conversion and
// generate endpoints.
type ConversionStore interface {
	CreateConversion(ctx context.Context, c domain.Conversion) (domain.Conversion, bool, error)
	GetConversionForOwner(ctx context.Context, ownerKey, id string) (domain.Conversion, error)
	ListConversions(ctx context.Context, f store.ConversionFilter) ([]domain.Conversion, error)
	TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error)
	DeleteConversion(ctx context.Context, ownerKey, id string) (string, error)
	CountConversionsSince(ctx context.Context, ownerKey string, since time.Time) (int, error)
}

// ObjectStore is the part of storage.Storage the handlers write through.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
}

// apiError is an error with a fixed HTTP status and code.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (e *apiError) Error() string { return e.message }

func newAPIError(status int, code, message string) *apiError {
	return &apiError{status: status, code: code, message: message}
}

var (
	errUnauthorized = newAPIError(http.StatusUnauthorized, "unauthorized", "Authentication required")
	errNotFound     = newAPIError(http.StatusNotFound, "not_found", "Not found")
)

// mapError turns err into the status, code and message written to the client.
func mapError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return errNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_state", "Conversion is not in a state that allows this")
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", "Resource already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	case errors.Is(err, auth.ErrInactive):
		return newAPIError(http.StatusForbidden, "account_inactive", "Account is disabled")
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		return newAPIError(http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, conversion.ErrUnsupported):
		return newAPIError(http.StatusUnsupportedMediaType, "unsupported_media_type", "Unsupported file type")
	case errors.Is(err, conversion.ErrEmptyFile):
		return newAPIError(http.StatusBadRequest, "empty_file", "File is empty")
	case errors.Is(err, antivirus.ErrInfected):
		return newAPIError(http.StatusUnprocessableEntity, "infected_file", "File failed the virus scan")
	case errors.Is(err, antivirus.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "av_unavailable", "Virus scanning is temporarily unavailable")
	case errors.Is(err, billing.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "billing_disabled", "Billing is not enabled")
	case errors.Is(err, billing.ErrBadSignature):
		return newAPIError(http.StatusBadRequest, "invalid_signature", "Invalid webhook signature")
	}

	switch ai.Categorize(err) {
	case ai.CategoryBadRequest:
		return newAPIError(http.StatusBadRequest, string(ai.CategoryBadRequest), err.Error())
	case ai.CategoryTooLarge:
		return newAPIError(http.StatusRequestEntityTooLarge, string(ai.CategoryTooLarge), "Document is too large for analysis")
	case ai.CategoryRateLimited:
		return newAPIError(http.StatusTooManyRequests, string(ai.CategoryRateLimited), "The model is rate limited, try again shortly")
	case ai.CategoryUnavailable:
		return newAPIError(http.StatusServiceUnavailable, string(ai.CategoryUnavailable), "The model is temporarily unavailable")
	case ai.CategoryInvalidOutput:
		return newAPIError(http.StatusBadGateway, string(ai.CategoryInvalidOutput), "The model returned output that could not be used")
	}

	return newAPIError(http.StatusInternalServerError, "internal", "Internal server error")
}

// respondError writes err as a JSON error. Server errors are logged with the
// request-scoped logger.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	if ae.status >= 500 {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("code", ae.code).Msg("Request failed")
	}
	middleware.WriteError(w, ae.status, ae.code, ae.message, ae.details)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return newAPIError(http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
		}
		return newAPIError(http.StatusBadRequest, "invalid_json", fmt.Sprintf("Invalid JSON body: %v", err))
	}
	return nil
}

// pagination parses limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, newAPIError(http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, newAPIError(http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// statusFilter parses the optional status query parameter.
func statusFilter(r *http.Request) (domain.ConversionStatus, error) {
	s := r.URL.Query().Get("status")
	if s == "" {
		return "", nil
	}
	st, ok := domain.ParseStatus(s)
	if !ok {
		return "", newAPIError(http.StatusBadRequest, "invalid_request", "status must be one of QUEUED, PROCESSING, COMPLETED, FAILED")
	}
	return st, nil
}

// publishConversion enqueues a conversion job and returns its ID.
func publishConversion(ctx context.Context, publisher jobs.Publisher, c domain.Conversion, maxRetries int) (string, error) {
	job := &jobs.ConvertDocumentJob{
		ConversionID: c.ID,
		OwnerKey:     c.OwnerKey,
		MaxRetries:   maxRetries,
	}
	if err := publisher.PublishConvert(ctx, job); err != nil {
		return "", fmt.Errorf("publishConversion: %w", err)
	}
	return job.JobID, nil
}

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Plan      string    `json:"plan"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserView(u domain.User) userView {
	return userView{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Plan:      u.Plan,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

type conversionLinks struct {
	Self     string `json:"self"`
	Markdown string `json:"markdown"`
}

type conversionView struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	SizeBytes   int64           `json:"size_bytes"`
	SHA256      string          `json:"sha256"`
	Engine      string          `json:"engine,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Links       conversionLinks `json:"links"`
}

func linksFor(id string) conversionLinks {
	return conversionLinks{
		Self:     "/api/conversions/" + id,
		Markdown: "/api/conversions/" + id + "/markdown",
	}
}

func newConversionView(c domain.Conversion) conversionView {
	return conversionView{
		ID:          c.ID,
		Status:      string(c.Status),
		Filename:    c.Filename,
		ContentType: c.ContentType,
		SizeBytes:   c.SizeBytes,
		SHA256:      c.SHA256,
		Engine:      c.Engine,
		Error:       c.Error,
		Attempts:    c.Attempts,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Links:       linksFor(c.ID),
	}
}

func newConversionViews(cs []domain.Conversion) []conversionView {
	out := make([]conversionView, 0, len(cs))
	for _, c := range cs {
		out = append(out, newConversionView(c))
	}
	return out
}

// logFor returns the request-scoped logger, falling back to base.
func logFor(r *http.Request, base zerolog.Logger) zerolog.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(zerolog.Logger); ok {
		return l
	}
	return base
}
