package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mdraft/internal/domain"
)

type mockBackend struct {
	healthy   bool
	SearchFn  func(ctx context.Context, owner, q string, limit int) ([]domain.SearchHit, error)
	indexed   []string
	deleted   []string
	deleteErr error
}

func (m *mockBackend) Healthy() bool { return m.healthy }
func (m *mockBackend) Index(_ context.Context, c domain.Conversion) error {
	m.indexed = append(m.indexed, c.ID)
	return nil
}
func (m *mockBackend) Delete(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}
func (m *mockBackend) Search(ctx context.Context, owner, q string, limit int) ([]domain.SearchHit, error) {
	return m.SearchFn(ctx, owner, q, limit)
}

func TestServiceSearch(t *testing.T) {
	fallbackHits := []domain.SearchHit{{ConversionID: "pg"}}
	fallback := func(context.Context, string, string, int) ([]domain.SearchHit, error) {
		return fallbackHits, nil
	}

	tests := []struct {
		name    string
		backend Backend
		want    string
	}{
		{name: "no backend", backend: nil, want: "pg"},
		{
			name: "healthy backend",
			backend: &mockBackend{healthy: true, SearchFn: func(context.Context, string, string, int) ([]domain.SearchHit, error) {
				return []domain.SearchHit{{ConversionID: "meili"}}, nil
			}},
			want: "meili",
		},
		{
			name: "backend error falls back",
			backend: &mockBackend{healthy: true, SearchFn: func(context.Context, string, string, int) ([]domain.SearchHit, error) {
				return nil, errors.New("down")
			}},
			want: "pg",
		},
		{name: "unhealthy backend skipped", backend: &mockBackend{healthy: false}, want: "pg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.backend, fallback, zerolog.Nop())
			hits, err := svc.Search(context.Background(), "user:1", "shall", 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, tt.want, hits[0].ConversionID)
		})
	}
}

func TestServiceIndexIsBestEffort(t *testing.T) {
	b := &mockBackend{healthy: true}
	svc := NewService(b, nil, zerolog.Nop())

	require.NoError(t, svc.Index(context.Background(), domain.Conversion{ID: "c1"}))
	assert.Equal(t, []string{"c1"}, b.indexed)
}

func TestServiceDeleteWhileUnhealthy(t *testing.T) {
	b := &mockBackend{healthy: false}
	svc := NewService(b, nil, zerolog.Nop())

	require.NoError(t, svc.Delete(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, b.deleted, "delete is attempted regardless of health")
	assert.Zero(t, svc.Pending())
}

func TestServiceDeleteRetriesPending(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{
		healthy:   true,
		deleteErr: errors.New("connection refused"),
		SearchFn: func(context.Context, string, string, int) ([]domain.SearchHit, error) {
			return []domain.SearchHit{{ConversionID: "gone"}, {ConversionID: "kept"}}, nil
		},
	}
	svc := NewService(b, nil, zerolog.Nop())

	err := svc.Delete(ctx, "gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
	assert.Equal(t, 1, svc.Pending())

	// Still failing: the stale document is filtered out of results.
	hits, err := svc.Search(ctx, "user:1", "q", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].ConversionID)
	assert.Equal(t, 1, svc.Pending())

	// Backend accepts deletes again: the pending one is flushed.
	b.deleteErr = nil
	require.NoError(t, svc.Index(ctx, domain.Conversion{ID: "new"}))
	assert.Equal(t, []string{"gone"}, b.deleted)
	assert.Zero(t, svc.Pending())
}

// fakeMeili answers the handful of Meilisearch endpoints the client uses.
func fakeMeili(t *testing.T, healthy bool) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var (
		mu       sync.Mutex
		searches []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/health":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"message":"down","code":"internal","type":"internal","link":""}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"available"}`))
		case strings.HasSuffix(r.URL.Path, "/search"):
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			searches = append(searches, body)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"hits":[{"id":"c1","filename":"rfp.pdf","_formatted":{"markdown":"The offeror <mark>shall</mark> submit"},"_rankingScore":0.87}],
				"query":"shall","processingTimeMs":1,"limit":20,"offset":0,"estimatedTotalHits":1}`))
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"taskUid":1,"indexUid":"mdraft_conversions","status":"enqueued","type":"indexCreation","enqueuedAt":"2026-01-01T00:00:00Z"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &searches
}

func TestMeiliSearch(t *testing.T) {
	srv, searches := fakeMeili(t, true)
	m := NewMeili(srv.URL, "key", zerolog.Nop())
	defer m.Close()

	require.True(t, m.Healthy())
	hits, err := m.Search(context.Background(), "user:42", "shall", 10)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, domain.SearchHit{ConversionID: "c1", Filename: "rfp.pdf", Snippet: "The offeror <mark>shall</mark> submit", Score: 0.87}, hits[0])
	require.Len(t, *searches, 1)
	assert.Equal(t, `owner_key = "user:42"`, (*searches)[0]["filter"])
}

func TestMeiliUnhealthyAtStart(t *testing.T) {
	srv, _ := fakeMeili(t, false)
	m := NewMeili(srv.URL, "key", zerolog.Nop())
	defer m.Close()

	assert.False(t, m.Healthy())
	_, err := m.Search(context.Background(), "user:1", "x", 10)
	assert.Error(t, err)

	svc := NewService(m, nil, zerolog.Nop())
	hits, err := svc.Search(context.Background(), "user:1", "x", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
