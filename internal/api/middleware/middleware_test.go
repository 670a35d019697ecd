package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/logger"
	"github.com/dvloznov/mdraft/internal/ratelimit"
)

var errNotFound = errors.New("not found")

type mockUsers struct {
	users map[string]domain.User
}

func (m *mockUsers) GetUserByID(_ context.Context, id string) (domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, errNotFound
	}
	return u, nil
}

func (m *mockUsers) GetAPIKeyByHash(context.Context, string) (domain.APIKey, error) {
	return domain.APIKey{}, errNotFound
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	h := Recovery(zerolog.New(&buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec).Code)
	assert.Contains(t, buf.String(), "Panic recovered")
	assert.Contains(t, buf.String(), "stack")
}

func TestRequestIDAndLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, ok := r.Context().Value(logger.LoggerKey).(zerolog.Logger)
		require.True(t, ok)
		l.Info().Msg("inside")
		seen = w.Header().Get("X-Request-ID")
		w.WriteHeader(http.StatusCreated)
	})
	h := RequestID(log)(Logger(log)(inner))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, string(line), `"request_id":"req-123"`)
	}
	assert.Contains(t, string(lines[1]), `"status":201`)
}

func TestRequestIDGenerated(t *testing.T) {
	h := RequestID(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS("https://app.example.com")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/upload", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		xff     string
		proxies int
		want    string
	}{
		{name: "no header", proxies: 1, want: "10.0.0.7"},
		{name: "single proxy takes the appended hop", xff: "203.0.113.9", proxies: 1, want: "203.0.113.9"},
		{name: "spoofed prefix ignored", xff: "1.2.3.4, 203.0.113.9", proxies: 1, want: "203.0.113.9"},
		{name: "two proxies", xff: "1.2.3.4, 203.0.113.9, 10.0.0.1", proxies: 2, want: "203.0.113.9"},
		{name: "shorter chain than configured", xff: "203.0.113.9", proxies: 3, want: "203.0.113.9"},
		{name: "no trusted proxies", xff: "203.0.113.9", proxies: 0, want: "10.0.0.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.7:5555"
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.proxies))
		})
	}
}

func TestRateLimitIgnoresRotatedForwardedFor(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter()
	h := RateLimit(lim, Bucket{Name: "auth", Limit: 1, Window: time.Minute, PerIP: true, TrustedProxies: 1}, zerolog.Nop())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 2)
	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.Header.Set("X-Forwarded-For", spoofed+", 198.51.100.4")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestAuthenticate(t *testing.T) {
	active := domain.User{ID: "u1", Email: "a@example.com", Role: domain.RoleUser, IsActive: true}
	admin := domain.User{ID: "u2", Email: "b@example.com", Role: domain.RoleAdmin, IsActive: true}
	inactive := domain.User{ID: "u3", Email: "c@example.com", Role: domain.RoleUser}
	users := &mockUsers{users: map[string]domain.User{"u1": active, "u2": admin, "u3": inactive}}
	tokens := auth.NewTokenIssuer("test-secret", time.Hour, nil)
	authn := auth.NewAuthenticator(tokens, users, func(err error) bool { return errors.Is(err, errNotFound) })

	token := func(u domain.User) string {
		s, _, err := tokens.Issue(u)
		require.NoError(t, err)
		return "Bearer " + s
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name     string
		wrap     func(http.Handler) http.Handler
		header   string
		wantCode int
	}{
		{"anonymous passes", func(h http.Handler) http.Handler { return h }, "", http.StatusOK},
		{"anonymous refused by RequireAuth", RequireAuth, "", http.StatusUnauthorized},
		{"valid token", RequireAuth, token(active), http.StatusOK},
		{"garbage token", RequireAuth, "Bearer not-a-jwt", http.StatusUnauthorized},
		{"inactive user", RequireAuth, token(inactive), http.StatusForbidden},
		{"non-admin refused", RequireAdmin, token(active), http.StatusForbidden},
		{"admin allowed", RequireAdmin, token(admin), http.StatusOK},
		{"jwt satisfies RequireJWT", RequireJWT, token(active), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Authenticate(authn, zerolog.Nop())(tt.wrap(ok))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestRequireJWTRefusesAPIKeys(t *testing.T) {
	h := RequireJWT(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{
		User: domain.User{ID: "u1"}, Via: auth.ViaAPIKey, APIKeyID: "k1",
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "session_required", decodeError(t, rec).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter()
	h := RateLimit(lim, Bucket{Name: "upload", Limit: 2, Window: time.Minute}, zerolog.Nop())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do("192.0.2.1:1000")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, do("192.0.2.1:1001").Code)

	refused := do("192.0.2.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, refused.Code)
	assert.NotEmpty(t, refused.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, refused).Code)

	assert.Equal(t, http.StatusOK, do("192.0.2.2:1000").Code, "other clients have their own bucket")
}

func TestRateLimitKeysOnUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1"
	assert.Equal(t, "ip:192.0.2.1", rateKey(req, Bucket{}))

	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{User: domain.User{ID: "u9"}}))
	assert.Equal(t, "user:u9", rateKey(req, Bucket{}))
	assert.Equal(t, "ip:192.0.2.1", rateKey(req, Bucket{PerIP: true}))
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(failingLimiter{}, Bucket{Name: "default", Limit: 1}, zerolog.Nop())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
