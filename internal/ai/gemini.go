package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/dvloznov/mdraft/internal/reliability"
)

const DefaultModel = "gemini-2.5-flash"

// GeminiClient calls Gemini through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	guard  *reliability.Guard
}

func NewGeminiClient(ctx context.Context, apiKey, model string, guard *reliability.Guard) (*GeminiClient, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiClient: create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model, guard: guard}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, system, user string, jsonMode bool) (Completion, error) {
	if g.guard == nil {
		return g.generate(ctx, system, user, jsonMode)
	}
	return reliability.Call(ctx, g.guard, func(ctx context.Context) (Completion, error) {
		return g.generate(ctx, system, user, jsonMode)
	})
}

func (g *GeminiClient) generate(ctx context.Context, system, user string, jsonMode bool) (Completion, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
	}
	if jsonMode {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(user), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, classifyProviderError(fmt.Errorf("generate content: %w", err))
	}

	text := resp.Text()
	if text == "" {
		return Completion{}, errors.Join(ErrInvalidOutput, errors.New("empty response from model"))
	}

	out := Completion{Text: text}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
