package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/store"
	"github.com/dvloznov/mdraft/internal/usage"
)

// fakeStore is an in-memory stand-in for *store.Postgres.
type fakeStore struct {
	mu          sync.Mutex
	users       map[string]domain.User
	keys        map[string]domain.APIKey
	conversions map[string]domain.Conversion
	deleted     []string
	daily       []store.DailyCount
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]domain.User{},
		keys:        map[string]domain.APIKey{},
		conversions: map[string]domain.Conversion{},
	}
}

func (s *fakeStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return domain.User{}, store.ErrConflict
		}
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = u
	return u, nil
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, store.ErrNotFound
}

func (s *fakeStore) GetUserByID(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) ListUsers(_ context.Context, limit, offset int) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return page(out, limit, offset), nil
}

func (s *fakeStore) UpdateUserAdmin(_ context.Context, id string, role *string, active *bool) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	if role != nil {
		u.Role = *role
	}
	if active != nil {
		u.IsActive = *active
	}
	s.users[id] = u
	return u, nil
}

func (s *fakeStore) CreateAPIKey(_ context.Context, k domain.APIKey) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.CreatedAt = time.Now()
	s.keys[k.ID] = k
	return k, nil
}

func (s *fakeStore) GetAPIKeyByHash(_ context.Context, hash string) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash == hash && k.Active() {
			return k, nil
		}
	}
	return domain.APIKey{}, store.ErrNotFound
}

func (s *fakeStore) ListAPIKeys(_ context.Context, userID string) ([]domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeStore) RevokeAPIKey(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID || !k.Active() {
		return store.ErrNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	s.keys[id] = k
	return nil
}

func (s *fakeStore) CreateConversion(_ context.Context, c domain.Conversion) (domain.Conversion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversions {
		if existing.OwnerKey == c.OwnerKey && existing.SHA256 == c.SHA256 {
			return existing, false, nil
		}
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	s.conversions[c.ID] = c
	return c, true, nil
}

func (s *fakeStore) GetConversionForOwner(_ context.Context, ownerKey, id string) (domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok || c.OwnerKey != ownerKey {
		return domain.Conversion{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListConversions(_ context.Context, f store.ConversionFilter) ([]domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Conversion
	for _, c := range s.conversions {
		if (f.OwnerKey == "" || c.OwnerKey == f.OwnerKey) && (f.Status == "" || c.Status == f.Status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, f.Limit, f.Offset), nil
}

func (s *fakeStore) TransitionConversion(_ context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return domain.Conversion{}, store.ErrNotFound
	}
	if !slices.Contains(from, c.Status) || !domain.CanTransition(c.Status, to) {
		return domain.Conversion{}, store.ErrInvalidTransition
	}
	c.Status = to
	if patch.Error != nil {
		c.Error = *patch.Error
	}
	if patch.Markdown != nil {
		c.Markdown = *patch.Markdown
	}
	s.conversions[id] = c
	return c, nil
}

func (s *fakeStore) DeleteConversion(_ context.Context, ownerKey, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok || c.OwnerKey != ownerKey {
		return "", store.ErrNotFound
	}
	delete(s.conversions, id)
	s.deleted = append(s.deleted, id)
	return c.StorageKey, nil
}

func (s *fakeStore) CountConversionsSince(_ context.Context, ownerKey string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversions {
		if c.OwnerKey == ownerKey && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Stats(context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := store.Stats{ConversionsByStatus: map[string]int{}, Users: len(s.users)}
	for _, c := range s.conversions {
		st.ConversionsByStatus[string(c.Status)]++
		st.ConversionsTotal++
	}
	for _, k := range s.keys {
		if k.Active() {
			st.ActiveAPIKeys++
		}
	}
	return st, nil
}

func (s *fakeStore) DailyConversionCounts(context.Context, int) ([]store.DailyCount, error) {
	return s.daily, nil
}

// put stores a conversion directly, bypassing the upload flow.
func (s *fakeStore) put(c domain.Conversion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions[c.ID] = c
}

func (s *fakeStore) get(id string) (domain.Conversion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	return c, ok
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (o *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ string) error {
	if o.putErr != nil {
		return o.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*jobs.ConvertDocumentJob
	err       error
	jobs      jobs.JobStore
}

func (p *fakePublisher) PublishConvert(ctx context.Context, job *jobs.ConvertDocumentJob) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.published) + 1
	job.Prepare(func() string { return fmt.Sprintf("job-%d", n) }, time.Now())
	p.published = append(p.published, job)
	if p.jobs != nil {
		return p.jobs.SaveJob(ctx, job)
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type fakeAV struct{ err error }

func (a *fakeAV) Check(context.Context, string, []byte) error { return a.err }

type fakeSearch struct {
	hits    []domain.SearchHit
	deleted []string
}

func (s *fakeSearch) Search(context.Context, string, string, int) ([]domain.SearchHit, error) {
	return s.hits, nil
}

func (s *fakeSearch) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeAnalyzer struct {
	catalog *ai.Catalog
	run     func(ctx context.Context, tool, markdown string) (ai.Result, error)
}

func (a *fakeAnalyzer) Run(ctx context.Context, tool, markdown string) (ai.Result, error) {
	return a.run(ctx, tool, markdown)
}

func (a *fakeAnalyzer) Catalog() *ai.Catalog { return a.catalog }

type fakeRunner struct {
	err error
	got []string
}

func (r *fakeRunner) HandleJob(_ context.Context, job jobs.Job) error {
	r.got = append(r.got, job.(*jobs.ConvertDocumentJob).ConversionID)
	return r.err
}

type fakeRevocations struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (f *fakeRevocations) Revoke(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeReporter struct {
	daily []usage.DailyUsage
	err   error
}

func (r *fakeReporter) Daily(context.Context, int) ([]usage.DailyUsage, error) {
	return r.daily, r.err
}

type fakeBreakers struct{}

func (fakeBreakers) States() []reliability.BreakerState {
	return []reliability.BreakerState{{Name: "docai", State: "open", ConsecutiveFailures: 5}}
}

var errBoom = errors.New("boom")
