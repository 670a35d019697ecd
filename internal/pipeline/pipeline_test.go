package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/storage"
	"github.com/dvloznov/mdraft/internal/store"
)

type memStore struct {
	mu          sync.Mutex
	conversions map[string]domain.Conversion
	locked      bool
	lockErr     error
	unlocked    int
}

func newMemStore(cs ...domain.Conversion) *memStore {
	s := &memStore{conversions: map[string]domain.Conversion{}}
	for _, c := range cs {
		s.conversions[c.ID] = c
	}
	return s
}

func (s *memStore) TryAdvisoryLock(context.Context, string) (func(), bool, error) {
	if s.lockErr != nil {
		return nil, false, s.lockErr
	}
	if s.locked {
		return nil, false, nil
	}
	return func() { s.unlocked++ }, true, nil
}

func (s *memStore) GetConversion(_ context.Context, id string) (domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return domain.Conversion{}, store.ErrNotFound
	}
	return c, nil
}

func (s *memStore) TransitionConversion(_ context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return domain.Conversion{}, store.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if f == c.Status && domain.CanTransition(f, to) {
			allowed = true
		}
	}
	if !allowed {
		return domain.Conversion{}, fmt.Errorf("%s is %s: %w", id, c.Status, store.ErrInvalidTransition)
	}
	c.Status = to
	if to == domain.StatusProcessing {
		c.Attempts++
	}
	if patch.Markdown != nil {
		c.Markdown = *patch.Markdown
	}
	if patch.Engine != nil {
		c.Engine = *patch.Engine
	}
	if patch.Error != nil {
		c.Error = *patch.Error
	}
	s.conversions[id] = c
	return c, nil
}

type mockFetcher struct {
	GetFn func(ctx context.Context, key string) ([]byte, error)
}

func (m *mockFetcher) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	return []byte("# hello"), nil
}

type mockConverter struct {
	ConvertFn func(ctx context.Context, in conversion.Input) (conversion.Output, error)
}

func (m *mockConverter) Convert(ctx context.Context, in conversion.Input) (conversion.Output, error) {
	if m.ConvertFn != nil {
		return m.ConvertFn(ctx, in)
	}
	return conversion.Output{Markdown: string(in.Data), Engine: "passthrough"}, nil
}

type mockIndexer struct {
	indexed []string
	err     error
}

func (m *mockIndexer) Index(_ context.Context, c domain.Conversion) error {
	m.indexed = append(m.indexed, c.ID)
	return m.err
}

func queued(id string) domain.Conversion {
	return domain.Conversion{
		ID:         id,
		OwnerKey:   "user:u1",
		Filename:   "notes.md",
		StorageKey: "uploads/2026/01/" + id + "/notes.md",
		Status:     domain.StatusQueued,
	}
}

func newTestProcessor(s ConversionStore, f ObjectFetcher, c Converter, idx Indexer) *Processor {
	return NewProcessor(Deps{
		Store:       s,
		Storage:     f,
		Converter:   c,
		Indexer:     idx,
		MaxAttempts: 3,
	}, zerolog.Nop())
}

func TestProcessCompletesConversion(t *testing.T) {
	st := newMemStore(queued("c1"))
	idx := &mockIndexer{err: errors.New("meili down")}
	p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, idx)

	require.NoError(t, p.Process(context.Background(), "c1"))

	c := st.conversions["c1"]
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Equal(t, "# hello", c.Markdown)
	assert.Equal(t, "passthrough", c.Engine)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, []string{"c1"}, idx.indexed, "index errors must not fail the conversion")
	assert.Equal(t, 1, st.unlocked)
}

func TestProcessSkips(t *testing.T) {
	t.Run("locked by another worker", func(t *testing.T) {
		st := newMemStore(queued("c1"))
		st.locked = true
		conv := &mockConverter{ConvertFn: func(context.Context, conversion.Input) (conversion.Output, error) {
			t.Fatal("converter must not run")
			return conversion.Output{}, nil
		}}
		p := newTestProcessor(st, &mockFetcher{}, conv, nil)

		require.NoError(t, p.Process(context.Background(), "c1"))
		assert.Equal(t, domain.StatusQueued, st.conversions["c1"].Status)
	})

	t.Run("already completed", func(t *testing.T) {
		c := queued("c1")
		c.Status = domain.StatusCompleted
		c.Attempts = 1
		st := newMemStore(c)
		p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, nil)

		require.NoError(t, p.Process(context.Background(), "c1"))
		assert.Equal(t, 1, st.conversions["c1"].Attempts)
		assert.Equal(t, 1, st.unlocked)
	})

	t.Run("still processing elsewhere", func(t *testing.T) {
		c := queued("c1")
		c.Status = domain.StatusProcessing
		st := newMemStore(c)
		p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, nil)

		require.NoError(t, p.Process(context.Background(), "c1"))
		assert.Equal(t, domain.StatusProcessing, st.conversions["c1"].Status)
	})
}

func TestProcessFailures(t *testing.T) {
	transient := errors.New("markitdown timed out")

	tests := []struct {
		name        string
		attempts    int
		fetchErr    error
		convertErr  error
		wantNoRetry bool
		wantMessage string
	}{
		{
			name:        "transient error is retried",
			convertErr:  transient,
			wantMessage: "conversion failed",
		},
		{
			name:        "permanent error is final",
			convertErr:  reliability.Permanent(fmt.Errorf("x.exe: %w", conversion.ErrUnsupported)),
			wantNoRetry: true,
			wantMessage: "unsupported file type",
		},
		{
			name:        "attempts exhausted",
			attempts:    2,
			convertErr:  transient,
			wantNoRetry: true,
			wantMessage: "conversion failed",
		},
		{
			name:        "missing object",
			fetchErr:    storage.ErrNotFound,
			wantMessage: "uploaded file is missing from storage",
		},
		{
			name:        "open circuit",
			convertErr:  reliability.ErrCircuitOpen,
			wantMessage: "conversion service temporarily unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := queued("c1")
			c.Attempts = tt.attempts
			st := newMemStore(c)
			fetch := &mockFetcher{GetFn: func(context.Context, string) ([]byte, error) {
				if tt.fetchErr != nil {
					return nil, tt.fetchErr
				}
				return []byte("data"), nil
			}}
			conv := &mockConverter{ConvertFn: func(context.Context, conversion.Input) (conversion.Output, error) {
				return conversion.Output{}, tt.convertErr
			}}
			p := newTestProcessor(st, fetch, conv, nil)

			err := p.Process(context.Background(), "c1")
			require.Error(t, err)
			assert.Equal(t, tt.wantNoRetry, errors.Is(err, jobs.ErrNoRetry))

			got := st.conversions["c1"]
			assert.Equal(t, domain.StatusFailed, got.Status)
			assert.Equal(t, tt.wantMessage, got.Error)
		})
	}
}

func TestProcessRetryFromFailed(t *testing.T) {
	c := queued("c1")
	c.Status = domain.StatusFailed
	c.Attempts = 1
	c.Error = "conversion failed"
	st := newMemStore(c)
	p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, nil)

	require.NoError(t, p.Process(context.Background(), "c1"))

	got := st.conversions["c1"]
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.Error)
}

func TestProcessMissingConversion(t *testing.T) {
	p := newTestProcessor(newMemStore(), &mockFetcher{}, &mockConverter{}, nil)

	err := p.Process(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrNoRetry)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessLockError(t *testing.T) {
	st := newMemStore(queued("c1"))
	st.lockErr = errors.New("connection refused")
	p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, nil)

	err := p.Process(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, jobs.ErrNoRetry)
}

type otherJob struct{}

func (otherJob) GetID() string             { return "j" }
func (otherJob) GetType() jobs.JobType     { return "other" }
func (otherJob) GetStatus() jobs.JobStatus { return jobs.JobStatusPending }

func TestHandleJob(t *testing.T) {
	st := newMemStore(queued("c1"))
	p := newTestProcessor(st, &mockFetcher{}, &mockConverter{}, nil)

	err := p.HandleJob(context.Background(), &jobs.ConvertDocumentJob{JobID: "j1", ConversionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, st.conversions["c1"].Status)

	err = p.HandleJob(context.Background(), otherJob{})
	assert.ErrorIs(t, err, jobs.ErrNoRetry)
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", conversion.ErrEmptyOutput), "no text could be extracted from the document"},
		{conversion.ErrEmptyFile, "file is empty"},
		{context.DeadlineExceeded, "conversion timed out"},
		{fmt.Errorf("Convert: markitdown: timed out after 50ms: %w", context.DeadlineExceeded), "conversion timed out"},
		{context.Canceled, "conversion was interrupted"},
		{errors.New("exec: /tmp/abc/markitdown: permission denied"), "conversion failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureMessage(tt.err))
		})
	}
}
