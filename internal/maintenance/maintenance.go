package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/store"
)

// Schedules for the worker maintenance jobs.
const (
	StaleSweepSpec = "@every 1m"
	TokenPurgeSpec = "@hourly"
	RetentionSpec  = "@daily"
)

const (
	staleBatch = 100
	jobTimeout = 5 * time.Minute
)

// Store is what the maintenance jobs need from Postgres.
type Store interface {
	TryAdvisoryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
	StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Conversion, error)
	TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) ([]store.PurgedConversion, error)
}

type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// IndexDeleter drops purged conversions from search.
type IndexDeleter interface {
	Delete(ctx context.Context, id string) error
}

type Options struct {
	StaleAfter    time.Duration
	MaxAttempts   int
	RetentionDays int
	// MaxRetries is carried on requeued jobs.
	MaxRetries int
}

// Runner schedules and runs periodic housekeeping in the worker process.
type Runner struct {
	store     Store
	objects   ObjectDeleter
	index     IndexDeleter
	publisher jobs.Publisher
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(s Store, objects ObjectDeleter, index IndexDeleter, publisher jobs.Publisher, opts Options, log zerolog.Logger) *Runner {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = jobs.DefaultMaxRetries + 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = opts.MaxAttempts - 1
	}
	log = log.With().Str("component", "maintenance").Logger()
	cl := cronLogger{log: log}
	return &Runner{
		store:     s,
		objects:   objects,
		index:     index,
		publisher: publisher,
		opts:      opts,
		log:       log,
		now:       time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

type scheduled struct {
	spec string
	name string
	run  func(ctx context.Context) error
}

// Start registers the jobs and starts the scheduler.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	entries := []scheduled{
		{StaleSweepSpec, "stale_sweep", func(ctx context.Context) error { _, _, err := r.SweepStale(ctx); return err }},
		{TokenPurgeSpec, "token_purge", func(ctx context.Context) error { _, err := r.PurgeTokens(ctx); return err }},
	}
	if r.opts.RetentionDays > 0 {
		entries = append(entries, scheduled{RetentionSpec, "retention", func(ctx context.Context) error { _, err := r.PurgeRetention(ctx); return err }})
	}

	for _, e := range entries {
		e := e
		if _, err := r.cron.AddFunc(e.spec, func() { r.runJob(e.name, e.run) }); err != nil {
			return fmt.Errorf("maintenance.Start: %s: %w", e.name, err)
		}
	}
	r.cron.Start()
	r.log.Info().Int("jobs", len(entries)).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs or ctx, whichever is first.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	if r.cancel != nil {
		defer r.cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runJob(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		r.log.Error().Err(err).Str("job", name).Msg("Maintenance job failed")
		return
	}
	r.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Maintenance job finished")
}

// SweepStale handles conversions stuck in PROCESSING longer than StaleAfter.
// A conversion whose advisory lock is still held belongs to a live worker and
// is left alone. Others go back to QUEUED while attempts remain, else FAILED.
func (r *Runner) SweepStale(ctx context.Context) (requeued, failed int, err error) {
	stale, err := r.store.StaleProcessing(ctx, r.now().Add(-r.opts.StaleAfter), staleBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("SweepStale: %w", err)
	}

	var errs []error
	for _, c := range stale {
		log := r.log.With().Str("conversion_id", c.ID).Int("attempts", c.Attempts).Logger()

		unlock, ok, err := r.store.TryAdvisoryLock(ctx, "conversion:"+c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("SweepStale: lock %s: %w", c.ID, err))
			continue
		}
		if !ok {
			log.Debug().Msg("Stale conversion still locked by a worker")
			continue
		}

		err = r.resolveStale(ctx, c, unlock)
		switch {
		case err == nil && c.Attempts < r.opts.MaxAttempts:
			requeued++
			log.Warn().Msg("Requeued stale conversion")
		case err == nil:
			failed++
			log.Warn().Msg("Marked stale conversion as failed")
		case !errors.Is(err, store.ErrInvalidTransition):
			errs = append(errs, err)
		}
	}

	if requeued > 0 || failed > 0 {
		r.log.Info().Int("requeued", requeued).Int("failed", failed).Msg("Stale sweep finished")
	}
	return requeued, failed, errors.Join(errs...)
}

// resolveStale moves one locked stale conversion on and releases the lock.
// The requeue publish happens after unlock so a fast worker can claim it.
func (r *Runner) resolveStale(ctx context.Context, c domain.Conversion, unlock func()) error {
	if c.Attempts >= r.opts.MaxAttempts {
		defer unlock()
		msg := "processing timed out"
		_, err := r.store.TransitionConversion(ctx, c.ID,
			[]domain.ConversionStatus{domain.StatusProcessing}, domain.StatusFailed,
			store.ConversionPatch{Error: &msg})
		if err != nil {
			return fmt.Errorf("fail %s: %w", c.ID, err)
		}
		return nil
	}

	_, err := r.store.TransitionConversion(ctx, c.ID,
		[]domain.ConversionStatus{domain.StatusProcessing}, domain.StatusQueued,
		store.ConversionPatch{})
	unlock()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", c.ID, err)
	}
	job := &jobs.ConvertDocumentJob{ConversionID: c.ID, OwnerKey: c.OwnerKey, MaxRetries: r.opts.MaxRetries}
	if err := r.publisher.PublishConvert(ctx, job); err != nil {
		return fmt.Errorf("requeue %s: publish: %w", c.ID, err)
	}
	return nil
}

// PurgeTokens drops revoked-token rows whose JWT has expired anyway.
func (r *Runner) PurgeTokens(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpiredTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("PurgeTokens: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("purged", n).Msg("Purged expired revoked tokens")
	}
	return n, nil
}

// PurgeRetention deletes conversions older than RetentionDays along with
// their stored uploads and search documents. It is a no-op when retention
// is disabled.
func (r *Runner) PurgeRetention(ctx context.Context) (int, error) {
	if r.opts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := r.now().AddDate(0, 0, -r.opts.RetentionDays)
	purged, err := r.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("PurgeRetention: %w", err)
	}

	var errs []error
	for _, p := range purged {
		if p.StorageKey != "" {
			if err := r.objects.Delete(ctx, p.StorageKey); err != nil {
				errs = append(errs, fmt.Errorf("PurgeRetention: delete %s: %w", p.StorageKey, err))
			}
		}
		if r.index != nil {
			if err := r.index.Delete(ctx, p.ID); err != nil {
				errs = append(errs, fmt.Errorf("PurgeRetention: unindex %s: %w", p.ID, err))
			}
		}
	}
	r.log.Info().Int("purged", len(purged)).Time("cutoff", cutoff).Msg("Retention purge finished")
	return len(purged), errors.Join(errs...)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
