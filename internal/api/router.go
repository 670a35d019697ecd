// Package api assembles the HTTP routes and middleware.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/handlers"
	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/metrics"
	"github.com/dvloznov/mdraft/internal/ratelimit"
)

// Handlers groups the endpoint handlers.
type Handlers struct {
	Health      *handlers.HealthHandler
	Auth        *handlers.AuthHandler
	Keys        *handlers.KeysHandler
	Upload      *handlers.UploadHandler
	Conversions *handlers.ConversionsHandler
	Jobs        *handlers.JobsHandler
	Generate    *handlers.GenerateHandler
	Billing     *handlers.BillingHandler
	Admin       *handlers.AdminHandler
	Tasks       *handlers.TasksHandler
}

// Limits are requests per minute per bucket. Zero disables a bucket.
type Limits struct {
	Default int
	Upload  int
	AI      int
	Auth    int
	// TrustedProxies is how many X-Forwarded-For hops come from our own
	// load balancers.
	TrustedProxies int
}

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	Authenticator *auth.Authenticator
	Limiter       ratelimit.Limiter
	Limits        Limits
	Metrics       *metrics.Metrics
	CORSOrigin    string
}

// NewRouter builds the full HTTP handler. Recovery, request IDs, access
// logging and CORS wrap everything, including unmatched routes.
func NewRouter(h Handlers, cfg RouterConfig, log zerolog.Logger) http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})
	router.Use(cfg.Metrics.Instrument)

	limit := func(name string, n int, perIP bool) func(http.Handler) http.Handler {
		return middleware.RateLimit(cfg.Limiter, middleware.Bucket{Name: name, Limit: n, Window: time.Minute, PerIP: perIP, TrustedProxies: cfg.Limits.TrustedProxies}, log)
	}

	router.HandleFunc("/health", h.Health.Health).Methods("GET")
	router.HandleFunc("/health/ready", h.Health.Ready).Methods("GET")
	router.Handle("/metrics", cfg.Metrics.Handler()).Methods("GET")
	router.HandleFunc("/internal/tasks/convert", h.Tasks.Convert).Methods("POST")

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.Authenticate(cfg.Authenticator, log), limit("default", cfg.Limits.Default, false))

	authLimit := limit("auth", cfg.Limits.Auth, true)
	apiRouter.Handle("/auth/register", authLimit(http.HandlerFunc(h.Auth.Register))).Methods("POST")
	apiRouter.Handle("/auth/login", authLimit(http.HandlerFunc(h.Auth.Login))).Methods("POST")
	apiRouter.Handle("/auth/logout", middleware.RequireAuth(http.HandlerFunc(h.Auth.Logout))).Methods("POST")
	apiRouter.Handle("/auth/me", middleware.RequireAuth(http.HandlerFunc(h.Auth.Me))).Methods("GET")

	apiRouter.Handle("/keys", middleware.RequireJWT(http.HandlerFunc(h.Keys.ListKeys))).Methods("GET")
	apiRouter.Handle("/keys", middleware.RequireJWT(http.HandlerFunc(h.Keys.CreateKey))).Methods("POST")
	apiRouter.Handle("/keys/{id}", middleware.RequireJWT(http.HandlerFunc(h.Keys.RevokeKey))).Methods("DELETE")

	apiRouter.Handle("/upload", limit("upload", cfg.Limits.Upload, false)(http.HandlerFunc(h.Upload.Upload))).Methods("POST")

	apiRouter.HandleFunc("/conversions", h.Conversions.ListConversions).Methods("GET")
	apiRouter.HandleFunc("/conversions/search", h.Conversions.SearchConversions).Methods("GET")
	apiRouter.HandleFunc("/conversions/{id}", h.Conversions.GetConversion).Methods("GET")
	apiRouter.HandleFunc("/conversions/{id}", h.Conversions.DeleteConversion).Methods("DELETE")
	apiRouter.HandleFunc("/conversions/{id}/markdown", h.Conversions.GetMarkdown).Methods("GET")
	apiRouter.HandleFunc("/conversions/{id}/retry", h.Conversions.RetryConversion).Methods("POST")

	apiRouter.Handle("/jobs/{id}", middleware.RequireAuth(http.HandlerFunc(h.Jobs.GetJob))).Methods("GET")

	apiRouter.Handle("/generate/{tool}", limit("ai", cfg.Limits.AI, false)(http.HandlerFunc(h.Generate.Generate))).Methods("POST")

	apiRouter.Handle("/billing/checkout", middleware.RequireAuth(http.HandlerFunc(h.Billing.Checkout))).Methods("POST")
	apiRouter.Handle("/billing/status", middleware.RequireAuth(http.HandlerFunc(h.Billing.Status))).Methods("GET")
	apiRouter.HandleFunc("/billing/webhook", h.Billing.Webhook).Methods("POST")

	admin := apiRouter.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/stats", h.Admin.Stats).Methods("GET")
	admin.HandleFunc("/users", h.Admin.ListUsers).Methods("GET")
	admin.HandleFunc("/users/{id}", h.Admin.UpdateUser).Methods("PATCH")
	admin.HandleFunc("/conversions", h.Admin.ListConversions).Methods("GET")
	admin.HandleFunc("/usage", h.Admin.Usage).Methods("GET")
	admin.HandleFunc("/breakers", h.Admin.Breakers).Methods("GET")

	// CORS sits outside the router so preflights never reach route matching.
	var handler http.Handler = router
	handler = middleware.CORS(cfg.CORSOrigin)(handler)
	handler = middleware.Logger(log)(handler)
	handler = middleware.RequestID(log)(handler)
	handler = middleware.Recovery(log)(handler)
	return handler
}
