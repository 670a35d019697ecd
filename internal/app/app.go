// Package app builds the service's components from configuration. The API,
// worker and CLI binaries share it so every process sees the same wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/antivirus"
	"github.com/dvloznov/mdraft/internal/api"
	"github.com/dvloznov/mdraft/internal/api/handlers"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/billing"
	"github.com/dvloznov/mdraft/internal/cache"
	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/conversion"
	bq "github.com/dvloznov/mdraft/internal/infra/bigquery"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/jobs/inmemory"
	"github.com/dvloznov/mdraft/internal/jobs/redisqueue"
	"github.com/dvloznov/mdraft/internal/maintenance"
	"github.com/dvloznov/mdraft/internal/metrics"
	"github.com/dvloznov/mdraft/internal/pipeline"
	"github.com/dvloznov/mdraft/internal/ratelimit"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/search"
	"github.com/dvloznov/mdraft/internal/storage"
	"github.com/dvloznov/mdraft/internal/store"
	"github.com/dvloznov/mdraft/internal/usage"
)

// Names of the guarded dependencies, as they appear in metrics and the
// admin breaker listing.
const (
	GuardDocAI      = "docai"
	GuardMarkitdown = "markitdown"
	GuardLLM        = "llm"
	GuardAntivirus  = "antivirus"
)

const memoryQueueBuffer = 100

// Queue is both ends of the job queue.
type Queue interface {
	jobs.Publisher
	jobs.Consumer
}

// App holds every long-lived component of a process.
type App struct {
	Config config.Config
	Log    zerolog.Logger

	DB        *sql.DB
	Store     *store.Postgres
	Redis     *redis.Client
	Objects   storage.Storage
	Queue     Queue
	Breakers  *reliability.Registry
	Metrics   *metrics.Metrics
	Usage     *usage.Recorder
	Search    *search.Service
	Converter *conversion.Service
	Analyzer  *ai.Service
	Billing   billing.Billing
	Antivirus *antivirus.Checker
	Tokens    *auth.TokenIssuer
	Processor *pipeline.Processor

	meili   *search.Meili
	closers []io.Closer
}

// New connects to Postgres (and Redis when configured) and builds every
// component. Optional integrations that are not configured are replaced
// by their disabled variants. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app.New: invalid configuration: %w", err)
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Metrics:  metrics.New(),
		Breakers: reliability.NewRegistry(log),
	}
	a.Breakers.OnStateChange(a.Metrics.SetCircuitState)

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("app.New: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)
	a.Store = store.NewPostgres(db)

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		switch {
		case err == nil:
			a.Redis = client
			a.closers = append(a.closers, client)
		case cfg.QueueBackend == config.QueueRedis:
			return fmt.Errorf("app.New: %w", err)
		default:
			a.Log.Warn().Err(err).Msg("Redis unavailable, continuing with in-process fallbacks")
		}
	}

	if a.Objects, err = a.newStorage(ctx); err != nil {
		return fmt.Errorf("app.New: %w", err)
	}

	a.Queue = a.newQueue()
	a.closers = append(a.closers, a.Queue)

	a.Usage = usage.NewRecorder(a.newUsageSink(ctx), a.Log)
	a.Search = a.newSearch()

	if a.Converter, err = a.newConverter(ctx); err != nil {
		return fmt.Errorf("app.New: %w", err)
	}
	if a.Analyzer, err = a.newAnalyzer(ctx); err != nil {
		return fmt.Errorf("app.New: %w", err)
	}

	a.Billing = a.newBilling()
	a.Antivirus = antivirus.NewChecker(a.newScanner(), cfg.AVRequired, a.Log)

	var revocations auth.Revocations = auth.StoreRevocations{Store: a.Store}
	if a.Redis != nil {
		revocations = auth.NewRedisRevocations(a.Redis)
	}
	a.Tokens = auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL, revocations)

	a.Processor = pipeline.NewProcessor(pipeline.Deps{
		Store:       a.Store,
		Storage:     a.Objects,
		Converter:   a.Converter,
		Indexer:     a.Search,
		Usage:       a.Usage,
		Metrics:     a.Metrics,
		MaxAttempts: cfg.JobMaxRetries + 1,
	}, a.Log)

	a.Log.Info().
		Str("storage", a.Objects.Name()).
		Str("queue", cfg.QueueBackend).
		Bool("redis", a.Redis != nil).
		Bool("docai", cfg.DocAIEnabled).
		Bool("ai", cfg.GeminiAPIKey != "").
		Bool("billing", a.Billing.Enabled()).
		Str("antivirus", cfg.AVMode).
		Msg("Application components initialized")
	return nil
}

func (a *App) newStorage(ctx context.Context) (storage.Storage, error) {
	cfg := a.Config
	switch cfg.StorageBackend {
	case config.StorageGCS:
		g, err := storage.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g)
		return g, nil
	case config.StorageS3:
		return storage.NewS3(storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return storage.NewLocal(cfg.LocalStorageDir)
	}
}

func (a *App) newQueue() Queue {
	if a.Config.QueueBackend == config.QueueRedis {
		return redisqueue.New(a.Redis, a.Store, a.Config.WorkerConcurrency, a.Log.With().Str("component", "queue").Logger())
	}
	return inmemory.NewQueue(memoryQueueBuffer, a.Config.WorkerConcurrency, a.Store, a.Log.With().Str("component", "queue").Logger())
}

func (a *App) newUsageSink(ctx context.Context) usage.Sink {
	cfg := a.Config
	if cfg.BigQueryProject == "" {
		return usage.NewLogSink(a.Log)
	}
	repo, err := bq.NewBigQueryUsageRepository(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
	if err != nil {
		a.Log.Warn().Err(err).Str("project", cfg.BigQueryProject).Msg("BigQuery unavailable, usage events go to the log")
		return usage.NewLogSink(a.Log)
	}
	a.closers = append(a.closers, repo)
	return usage.NewBigQuerySink(repo)
}

func (a *App) newSearch() *search.Service {
	var backend search.Backend
	if a.Config.MeiliURL != "" {
		a.meili = search.NewMeili(a.Config.MeiliURL, a.Config.MeiliAPIKey, a.Log.With().Str("component", "search").Logger())
		backend = a.meili
	}
	return search.NewService(backend, a.Store.SearchConversions, a.Log)
}

func (a *App) newConverter(ctx context.Context) (*conversion.Service, error) {
	cfg := a.Config
	opts := conversion.Options{
		Markitdown:      conversion.NewMarkitdown(cfg.MarkitdownBinary, cfg.MarkitdownTimeout, a.Breakers.Guard(GuardMarkitdown)),
		DocAIForAllPDFs: cfg.DocAIForAllPDFs,
	}
	if cfg.DocAIEnabled {
		d, err := conversion.NewDocAI(ctx, cfg.DocAIProject, cfg.DocAILocation, cfg.DocAIProcessorID, a.Breakers.Guard(GuardDocAI))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d)
		opts.DocAI = d
	}
	return conversion.NewService(opts, a.Log), nil
}

func (a *App) newAnalyzer(ctx context.Context) (*ai.Service, error) {
	cfg := a.Config
	catalog, err := ai.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	var provider ai.Provider = ai.Disabled{}
	if cfg.GeminiAPIKey != "" {
		g, err := ai.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, a.Breakers.Guard(GuardLLM))
		if err != nil {
			return nil, err
		}
		provider = g
	}
	return ai.NewService(provider, catalog, ai.Options{
		ChunkChars:     cfg.AIChunkChars,
		MaxInputChars:  cfg.AIMaxInputChars,
		MaxConcurrency: cfg.AIMaxConcurrency,
	}, a.Log), nil
}

func (a *App) newBilling() billing.Billing {
	cfg := a.Config
	if !cfg.BillingEnabled() {
		return billing.Disabled{}
	}
	return billing.NewStripe(billing.StripeOptions{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		PriceID:       cfg.StripePriceID,
		PublicBaseURL: cfg.PublicBaseURL,
	}, a.Store, a.Log)
}

func (a *App) newScanner() antivirus.Scanner {
	switch a.Config.AVMode {
	case config.AVClamd:
		return antivirus.NewClamd(a.Config.AVAddress, a.Breakers.Guard(GuardAntivirus))
	case config.AVHTTP:
		return antivirus.NewHTTPScanner(a.Config.AVAddress, a.Breakers.Guard(GuardAntivirus))
	}
	return antivirus.Noop{}
}

func (a *App) limiter() ratelimit.Limiter {
	memory := ratelimit.NewMemoryLimiter()
	if a.Redis == nil {
		return memory
	}
	return ratelimit.NewFallback(ratelimit.NewRedisLimiter(a.Redis), memory, a.Log)
}

// HealthChecks lists the dependencies probed by the readiness endpoint.
func (a *App) HealthChecks() []handlers.Check {
	checks := []handlers.Check{
		{Name: "database", Ping: a.Store.Ping},
		{Name: "storage", Ping: a.Objects.Ping},
	}
	if a.Redis != nil {
		checks = append(checks, handlers.Check{
			Name:     "redis",
			Optional: a.Config.QueueBackend != config.QueueRedis,
			Ping:     func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		})
	}
	if a.meili != nil {
		checks = append(checks, handlers.Check{
			Name:     "search",
			Optional: true,
			Ping: func(context.Context) error {
				if !a.meili.Healthy() {
					return errors.New("meilisearch unreachable")
				}
				return nil
			},
		})
	}
	return checks
}

// JobHandler runs the conversion processor and counts outcomes.
func (a *App) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		err := a.Processor.HandleJob(ctx, job)
		switch {
		case err == nil:
			a.Metrics.ObserveJob("completed")
		case errors.Is(err, jobs.ErrNoRetry):
			a.Metrics.ObserveJob("failed")
		default:
			a.Metrics.ObserveJob("retry")
		}
		return err
	}
}

type handlerRunner jobs.JobHandler

func (h handlerRunner) HandleJob(ctx context.Context, job jobs.Job) error { return h(ctx, job) }

// Router builds the HTTP handler for the API process.
func (a *App) Router() http.Handler {
	cfg := a.Config
	owners := handlers.Owners{
		AllowAnonymous: cfg.AllowAnonymousUploads,
		SecureCookies:  cfg.IsProduction(),
	}
	log := a.Log

	h := api.Handlers{
		Health: handlers.NewHealthHandler(a.HealthChecks(), log),
		Auth:   handlers.NewAuthHandler(a.Store, a.Tokens, log),
		Keys:   handlers.NewKeysHandler(a.Store, log),
		Upload: handlers.NewUploadHandler(handlers.UploadConfig{
			Store:                a.Store,
			Objects:              a.Objects,
			Publisher:            a.Queue,
			Antivirus:            a.Antivirus,
			Owners:               owners,
			MaxBytes:             cfg.MaxUploadBytes(),
			FreeDailyConversions: cfg.FreeDailyConversions,
			JobMaxRetries:        cfg.JobMaxRetries,
		}, log),
		Conversions: handlers.NewConversionsHandler(a.Store, a.Objects, a.Search, a.Queue, owners, cfg.JobMaxRetries, log),
		Jobs:        handlers.NewJobsHandler(a.Store, log),
		Generate:    handlers.NewGenerateHandler(a.Store, a.Analyzer, owners, a.Usage, a.Metrics, log),
		Billing:     handlers.NewBillingHandler(a.Billing, log),
		Admin:       handlers.NewAdminHandler(a.Store, a.Usage.Reporter(), a.Breakers, log),
		Tasks:       handlers.NewTasksHandler(handlerRunner(a.JobHandler()), cfg.TasksToken, log),
	}

	return api.NewRouter(h, api.RouterConfig{
		Authenticator: auth.NewAuthenticator(a.Tokens, a.Store, func(err error) bool { return errors.Is(err, store.ErrNotFound) }),
		Limiter:       a.limiter(),
		Limits: api.Limits{
			Default: cfg.RateLimitDefault,
			Upload:  cfg.RateLimitUpload,
			AI:      cfg.RateLimitAI,
			Auth:    cfg.RateLimitAuth,

			TrustedProxies: cfg.TrustedProxies,
		},
		Metrics:    a.Metrics,
		CORSOrigin: cfg.CORSOrigin,
	}, log)
}

// Maintenance builds the worker's housekeeping scheduler.
func (a *App) Maintenance() *maintenance.Runner {
	return maintenance.New(a.Store, a.Objects, a.Search, a.Queue, maintenance.Options{
		StaleAfter:    a.Config.StaleAfter,
		MaxAttempts:   a.Config.JobMaxRetries + 1,
		RetentionDays: a.Config.RetentionDays,
		MaxRetries:    a.Config.JobMaxRetries,
	}, a.Log)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	if a.meili != nil {
		a.meili.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
