// Package redisqueue implements the job queue on Redis so API and worker
// processes can run on separate hosts.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	readyKey   = "mdraft:jobs:ready"
	delayedKey = "mdraft:jobs:delayed"
)

// Queue pushes jobs onto a Redis list and pops them with BRPOP. Retries wait
// in a sorted set scored by their due time until the promoter moves them back.
type Queue struct {
	client  *redis.Client
	store   jobs.JobStore
	workers int
	log     zerolog.Logger

	pollTimeout  time.Duration
	promoteEvery time.Duration
	retryDelay   func(attempt int) time.Duration
	stopChan     chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	started      bool
	stopped      bool
}

func New(client *redis.Client, store jobs.JobStore, workers int, log zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		client:       client,
		store:        store,
		workers:      workers,
		log:          log,
		pollTimeout:  time.Second,
		promoteEvery: time.Second,
		retryDelay:   jobs.RetryDelay,
		stopChan:     make(chan struct{}),
	}
}

// PublishConvert implements jobs.Publisher.
func (q *Queue) PublishConvert(ctx context.Context, job *jobs.ConvertDocumentJob) error {
	job.Prepare(uuid.NewString, time.Now())

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishConvert: saving job: %w", err)
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("PublishConvert: encoding job: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("PublishConvert: pushing job: %w", err)
	}
	return nil
}

// Start implements jobs.Consumer.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return jobs.ErrQueueClosed
	}
	if q.started {
		return errors.New("redisqueue: already started")
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.wg.Add(1)
	go q.promoter(ctx)
	return nil
}

func (q *Queue) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-q.stopChan:
		return true
	default:
		return false
	}
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for !q.done(ctx) {
		res, err := q.client.BRPop(ctx, q.pollTimeout, readyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if q.done(ctx) {
				return
			}
			q.log.Warn().Err(err).Msg("BRPOP failed")
			q.sleep(ctx, q.pollTimeout)
			continue
		}

		var job jobs.ConvertDocumentJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error().Err(err).Msg("Discarding undecodable job payload")
			continue
		}
		q.processJob(ctx, &job, handler)
	}
}

func (q *Queue) processJob(ctx context.Context, job *jobs.ConvertDocumentJob, handler jobs.JobHandler) {
	log := q.log.With().Str("job_id", job.JobID).Str("conversion_id", job.ConversionID).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(ctx, job)
	retry := job.Finish(err, time.Now())
	q.save(ctx, job)

	switch {
	case err == nil:
		log.Debug().Msg("Job completed")
	case retry:
		delay := q.retryDelay(job.RetryCount)
		log.Warn().Err(err).Int("retry_count", job.RetryCount).Dur("delay", delay).Msg("Job failed, scheduling retry")
		if err := q.delay(context.WithoutCancel(ctx), job, delay); err != nil {
			log.Error().Err(err).Msg("Failed to schedule retry")
		}
	default:
		log.Error().Err(err).Msg("Job failed permanently")
	}
}

func (q *Queue) delay(ctx context.Context, job *jobs.ConvertDocumentJob, d time.Duration) error {
	job.Status = jobs.JobStatusPending
	job.StartedAt = nil
	job.CompletedAt = nil

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("delay: encoding job: %w", err)
	}
	due := float64(time.Now().Add(d).UnixMilli())
	return q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: payload}).Err()
}

// promoter moves due retries from the delayed set back onto the ready list.
func (q *Queue) promoter(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx, time.Now()); err != nil && !q.done(ctx) {
				q.log.Warn().Err(err).Msg("Promoting delayed jobs failed")
			}
		}
	}
}

// PromoteDue moves every delayed job due at or before now to the ready list.
// Only the caller whose ZREM removes an entry pushes it, so concurrent
// promoters never duplicate a job.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("PromoteDue: listing due jobs: %w", err)
	}

	moved := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, delayedKey, m).Result()
		if err != nil {
			return moved, fmt.Errorf("PromoteDue: removing job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, m).Err(); err != nil {
			return moved, fmt.Errorf("PromoteDue: pushing job: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Depth reports ready and delayed job counts.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, delayedKey).Result()
	return ready, delayed, err
}

func (q *Queue) save(ctx context.Context, job *jobs.ConvertDocumentJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-q.stopChan:
	}
}

// Stop implements jobs.Consumer. Workers exit after their current BRPOP.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.stopChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher. The Redis client is owned by the caller.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
