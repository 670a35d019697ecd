package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Queue is an in-memory implementation of job publisher and consumer.
// Jobs are distributed over a buffered channel and lost on restart, so it
// only suits single-instance deployments and tests.
type Queue struct {
	jobChan   chan *jobs.ConvertDocumentJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	workers   int
	log       zerolog.Logger
	closed    bool

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	// retryDelay is swapped in tests.
	retryDelay func(attempt int) time.Duration
}

// NewQueue creates a new in-memory job queue.
// bufferSize determines how many jobs can be queued before PublishConvert blocks.
func NewQueue(bufferSize, workers int, store jobs.JobStore, log zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		jobChan:    make(chan *jobs.ConvertDocumentJob, bufferSize),
		closeChan:  make(chan struct{}),
		store:      store,
		workers:    workers,
		log:        log,
		timers:     make(map[*time.Timer]struct{}),
		retryDelay: jobs.RetryDelay,
	}
}

// PublishConvert implements the Publisher interface. The lock only guards
// the closed check; a send blocked on a full buffer is released by Stop
// through closeChan.
func (q *Queue) PublishConvert(ctx context.Context, job *jobs.ConvertDocumentJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return jobs.ErrQueueClosed
	}

	job.Prepare(uuid.NewString, time.Now())

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishConvert: saving job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return jobs.ErrQueueClosed
	}
}

// Start implements the Consumer interface.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return jobs.ErrQueueClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job and schedules a retry on failure.
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
		q.scheduleRetry(ctx, job, delay)
	default:
		log.Error().Err(err).Msg("Job failed permanently")
	}
}

func (q *Queue) scheduleRetry(ctx context.Context, job *jobs.ConvertDocumentJob, delay time.Duration) {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, timer)
		q.timersMu.Unlock()

		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		if err := q.PublishConvert(context.WithoutCancel(ctx), job); err != nil {
			q.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Dropping retry")
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *Queue) save(ctx context.Context, job *jobs.ConvertDocumentJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements the Consumer interface.
// It stops the queue, cancels pending retries and waits for in-flight jobs.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	q.timersMu.Lock()
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.timersMu.Unlock()

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

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
