package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/store"
)

type fakeUsers struct {
	users map[string]domain.User
	plans map[string]string
}

func newFakeUsers(existing ...domain.User) *fakeUsers {
	f := &fakeUsers{users: map[string]domain.User{}, plans: map[string]string{}}
	for _, u := range existing {
		f.users[u.Email] = u
	}
	return f
}

func (f *fakeUsers) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	if _, ok := f.users[u.Email]; ok {
		return domain.User{}, store.ErrConflict
	}
	f.users[u.Email] = u
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	u, ok := f.users[email]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) UpdateUserAdmin(_ context.Context, id string, role *string, active *bool) (domain.User, error) {
	for email, u := range f.users {
		if u.ID == id {
			u.Role, u.IsActive = *role, *active
			f.users[email] = u
			return u, nil
		}
	}
	return domain.User{}, store.ErrNotFound
}

func (f *fakeUsers) SetUserPlan(_ context.Context, id, plan, _ string) error {
	f.plans[id] = plan
	return nil
}

func TestCreateAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("creates new admin", func(t *testing.T) {
		users := newFakeUsers()
		u, created, err := createAdmin(ctx, users, " Admin@Example.com ", "correct horse battery")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "admin@example.com", u.Email)
		assert.Equal(t, domain.RoleAdmin, u.Role)
		assert.True(t, u.IsActive)
		assert.NoError(t, auth.CheckPassword(u.PasswordHash, "correct horse battery"))
	})

	t.Run("promotes existing user", func(t *testing.T) {
		users := newFakeUsers(domain.User{ID: "u1", Email: "ops@example.com", Role: domain.RoleUser, IsActive: false, PasswordHash: "keep"})
		u, created, err := createAdmin(ctx, users, "ops@example.com", "ignored password")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, domain.RoleAdmin, u.Role)
		assert.True(t, u.IsActive)
		assert.Equal(t, "keep", users.users["ops@example.com"].PasswordHash)
	})

	t.Run("rejects invalid email", func(t *testing.T) {
		_, _, err := createAdmin(ctx, newFakeUsers(), "not-an-email", "correct horse battery")
		assert.Error(t, err)
	})
}

func TestSetPlan(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers(domain.User{ID: "u1", Email: "a@example.com", Plan: domain.PlanFree})

	u, err := setPlan(ctx, users, "a@example.com", domain.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, u.Plan)
	assert.Equal(t, domain.PlanPro, users.plans["u1"])

	_, err = setPlan(ctx, users, "a@example.com", "enterprise")
	assert.Error(t, err)

	_, err = setPlan(ctx, users, "missing@example.com", domain.PlanPro)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConvertFileText(t *testing.T) {
	svc := conversion.NewService(conversion.Options{}, zerolog.Nop())
	path := writeFile(t, "notes.md", "# Title\r\n\r\nBody\r\n")

	out, err := convertFile(context.Background(), svc, path)
	require.NoError(t, err)
	assert.Equal(t, "passthrough", out.Engine)
	assert.Contains(t, out.Markdown, "# Title\n")
}

func TestConvertFileMissing(t *testing.T) {
	svc := conversion.NewService(conversion.Options{}, zerolog.Nop())
	_, err := convertFile(context.Background(), svc, filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

type fakeAnalyzer struct {
	gotTool, gotMarkdown string
	err                  error
}

func (f *fakeAnalyzer) Run(_ context.Context, tool, markdown string) (ai.Result, error) {
	f.gotTool, f.gotMarkdown = tool, markdown
	if f.err != nil {
		return ai.Result{}, f.err
	}
	return ai.Result{Tool: tool, Data: json.RawMessage(`{"items":[]}`), Chunks: 1}, nil
}

func TestGenerate(t *testing.T) {
	svc := conversion.NewService(conversion.Options{}, zerolog.Nop())
	path := writeFile(t, "rfp.txt", "Section L: submit by Friday.")

	an := &fakeAnalyzer{}
	res, err := generate(context.Background(), svc, an, "outline", path)
	require.NoError(t, err)
	assert.Equal(t, "outline", res.Tool)
	assert.Equal(t, "Section L: submit by Friday.", an.gotMarkdown)

	an.err = ai.ErrUnknownTool
	_, err = generate(context.Background(), svc, an, "poem", path)
	assert.ErrorIs(t, err, ai.ErrUnknownTool)
}

type fakeTransitioner struct {
	status domain.ConversionStatus
}

func (f *fakeTransitioner) TransitionConversion(_ context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error) {
	for _, s := range from {
		if s == f.status {
			f.status = to
			return domain.Conversion{ID: id, Status: to, Error: *patch.Error}, nil
		}
	}
	return domain.Conversion{}, store.ErrInvalidTransition
}

func TestRequeue(t *testing.T) {
	st := &fakeTransitioner{status: domain.StatusFailed}
	c, err := requeue(context.Background(), st, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, c.Status)
	assert.Empty(t, c.Error)

	_, err = requeue(context.Background(), st, "c1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))
	assert.Contains(t, err.Error(), "not FAILED")
}
