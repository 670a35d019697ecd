package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mdraft/internal/reliability"
)

// mockProvider records prompts and answers through GenerateFn.
type mockProvider struct {
	mu         sync.Mutex
	prompts    []string
	GenerateFn func(call int, system, user string) (Completion, error)
}

func (m *mockProvider) Generate(_ context.Context, system, user string, _ bool) (Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, user)
	call := len(m.prompts)
	m.mu.Unlock()
	return m.GenerateFn(call, system, user)
}

func newTestService(t *testing.T, p Provider, opts Options) *Service {
	t.Helper()
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	return NewService(p, cat, opts, zerolog.Nop())
}

func TestDefaultCatalog(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	assert.Equal(t, []string{"checklist", "compliance_matrix", "evaluation_criteria", "outline"}, cat.Names())

	tool, ok := cat.Lookup("compliance-matrix")
	require.True(t, ok)
	assert.Equal(t, ModeList, tool.Mode)
	assert.Equal(t, "requirement", tool.MergeKey)

	var good, bad any
	require.NoError(t, json.Unmarshal([]byte(`[{"requirement":"Provide a PMP","priority":"must"}]`), &good))
	require.NoError(t, json.Unmarshal([]byte(`[{"section":"L.2"}]`), &bad))
	assert.NoError(t, tool.Validate(good))
	assert.Error(t, tool.Validate(bad))

	outline, ok := cat.Lookup("outline")
	require.True(t, ok)
	var nested any
	require.NoError(t, json.Unmarshal([]byte(`{"title":"T","sections":[{"heading":"1","subsections":[{"heading":"1.1"}]}]}`), &nested))
	assert.NoError(t, outline.Validate(nested))

	_, ok = cat.Lookup("poem")
	assert.False(t, ok)
	assert.Equal(t, "evaluation-criteria", Slug("evaluation_criteria"))
}

func TestParseCatalogRejectsBadTools(t *testing.T) {
	_, err := ParseCatalog([]byte("tools:\n  - name: x\n    mode: stream\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("tools:\n  - name: x\n    mode: list\n    schema: '{not json'\n"))
	assert.Error(t, err)
}

func TestRunValidatesInput(t *testing.T) {
	svc := newTestService(t, &mockProvider{}, Options{ChunkChars: 100, MaxInputChars: 50})

	_, err := svc.Run(context.Background(), "haiku", "text")
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, CategoryBadRequest, Categorize(err))

	_, err = svc.Run(context.Background(), "checklist", "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.Run(context.Background(), "checklist", strings.Repeat("x", 51))
	assert.ErrorIs(t, err, ErrInputTooLarge)
	assert.Equal(t, CategoryTooLarge, Categorize(err))
}

var partRe = regexp.MustCompile(`part (\d+) of`)

func TestRunListToolMergesChunks(t *testing.T) {
	p := &mockProvider{GenerateFn: func(_ int, _, user string) (Completion, error) {
		part := "1"
		if m := partRe.FindStringSubmatch(user); m != nil {
			part = m[1]
		}
		text := fmt.Sprintf("```json\n[{\"requirement\":\"R%s\"},{\"requirement\":\"Shared rule\"}]\n```", part)
		return Completion{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	}}
	svc := newTestService(t, p, Options{ChunkChars: 60, MaxConcurrency: 2})

	md := "# One\n" + strings.Repeat("a ", 25) + "\n\n# Two\n" + strings.Repeat("b ", 25) + "\n\n# Three\n" + strings.Repeat("c ", 25)
	res, err := svc.Run(context.Background(), "compliance-matrix", md)
	require.NoError(t, err)

	assert.Equal(t, "compliance_matrix", res.Tool)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, Usage{InputTokens: 30, OutputTokens: 15, Calls: 3}, res.Usage)

	var items []map[string]string
	require.NoError(t, json.Unmarshal(res.Data, &items))
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it["requirement"])
	}
	assert.Equal(t, []string{"R1", "Shared rule", "R2", "R3"}, got)
}

func TestRunObjectToolUsesFirstChunk(t *testing.T) {
	p := &mockProvider{GenerateFn: func(int, string, string) (Completion, error) {
		return Completion{Text: `{"title":"Response","sections":[{"heading":"Technical"}]}`}, nil
	}}
	svc := newTestService(t, p, Options{ChunkChars: 50, MaxConcurrency: 4})

	res, err := svc.Run(context.Background(), "outline", strings.Repeat("word ", 100))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], "Document:\n")
	assert.JSONEq(t, `{"title":"Response","sections":[{"heading":"Technical"}]}`, string(res.Data))
}

func TestRunAsksForCorrectionOnce(t *testing.T) {
	p := &mockProvider{GenerateFn: func(call int, _, _ string) (Completion, error) {
		if call == 1 {
			return Completion{Text: `[{"section":"L"}]`}, nil
		}
		return Completion{Text: `{"items":[{"item":"Sign SF-1449"}]}`}, nil
	}}
	svc := newTestService(t, p, Options{ChunkChars: 1000})

	res, err := svc.Run(context.Background(), "checklist", "Offerors must sign SF-1449.")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Usage.Calls)
	assert.Contains(t, p.prompts[1], "rejected")
	assert.JSONEq(t, `[{"item":"Sign SF-1449"}]`, string(res.Data))
}

func TestRunFailsAfterSecondInvalidAnswer(t *testing.T) {
	p := &mockProvider{GenerateFn: func(int, string, string) (Completion, error) {
		return Completion{Text: "Sorry, I can't do that."}, nil
	}}
	svc := newTestService(t, p, Options{ChunkChars: 1000})

	_, err := svc.Run(context.Background(), "checklist", "text")
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.Equal(t, CategoryInvalidOutput, Categorize(err))
	assert.Len(t, p.prompts, 2)
}

func TestCategorizeProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "rate limit", err: classifyProviderError(errors.New("Error 429, Message: Resource has been exhausted, Status: RESOURCE_EXHAUSTED")), want: CategoryRateLimited},
		{name: "unavailable", err: classifyProviderError(errors.New("Error 503, Status: UNAVAILABLE")), want: CategoryUnavailable},
		{name: "bad request", err: classifyProviderError(errors.New("Error 400, Status: INVALID_ARGUMENT")), want: CategoryInternal},
		{name: "circuit open", err: fmt.Errorf("llm: %w", reliability.ErrCircuitOpen), want: CategoryUnavailable},
		{name: "not configured", err: func() error { _, err := Disabled{}.Generate(context.Background(), "", "", true); return err }(), want: CategoryUnavailable},
		{name: "nil", err: nil, want: CategoryNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}

	assert.False(t, reliability.IsPermanent(classifyProviderError(errors.New("Error 429"))))
	assert.True(t, reliability.IsPermanent(classifyProviderError(errors.New("Error 400, Status: INVALID_ARGUMENT"))))
}
