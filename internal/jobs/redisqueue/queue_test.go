package redisqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/jobs/inmemory"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Queue, *miniredis.Miniredis, *inmemory.Store) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := inmemory.NewStore()
	q := New(client, store, 1, zerolog.Nop())
	q.pollTimeout = time.Second
	q.promoteEvery = 20 * time.Millisecond
	q.retryDelay = func(int) time.Duration { return 10 * time.Millisecond }
	return q, s, store
}

func TestPublishPushesPayload(t *testing.T) {
	q, s, store := setup(t)
	ctx := context.Background()

	job := &jobs.ConvertDocumentJob{ConversionID: "conv-1", OwnerKey: "user:1"}
	require.NoError(t, q.PublishConvert(ctx, job))

	items, err := s.List(readyKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"conversion_id":"conv-1"`)

	saved, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusPending, saved.Status)
}

func TestConsumeWithRetry(t *testing.T) {
	q, _, store := setup(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	defer q.Stop(ctx)

	job := &jobs.ConvertDocumentJob{ConversionID: "conv-2"}
	require.NoError(t, q.PublishConvert(ctx, job))

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.JobID)
		return err == nil && got.Status == jobs.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got, _ := store.GetJob(ctx, job.JobID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPromoteDue(t *testing.T) {
	q, s, _ := setup(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.delay(ctx, &jobs.ConvertDocumentJob{JobID: "due"}, -time.Second))
	require.NoError(t, q.delay(ctx, &jobs.ConvertDocumentJob{JobID: "later"}, time.Hour))

	moved, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	ready, delayed, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
	assert.Equal(t, int64(1), delayed)

	items, _ := s.List(readyKey)
	assert.Contains(t, items[0], `"job_id":"due"`)
}

func TestStartAfterStop(t *testing.T) {
	q, _, _ := setup(t)
	require.NoError(t, q.Stop(context.Background()))
	assert.ErrorIs(t, q.Start(context.Background(), nil), jobs.ErrQueueClosed)
}
