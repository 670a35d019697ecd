package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Options bound how much of a document is sent to the model.
type Options struct {
	ChunkChars     int
	MaxInputChars  int
	MaxConcurrency int
}

// Usage totals token counts across every model call of a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Calls        int `json:"calls"`
}

// Result is the validated output of one tool run.
type Result struct {
	Tool   string          `json:"tool"`
	Data   json.RawMessage `json:"data"`
	Chunks int             `json:"chunks"`
	Usage  Usage           `json:"usage"`
}

// Service runs catalog tools against Markdown.
type Service struct {
	provider Provider
	catalog  *Catalog
	opts     Options
	log      zerolog.Logger
}

func NewService(provider Provider, catalog *Catalog, opts Options, log zerolog.Logger) *Service {
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = 24000
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Service{provider: provider, catalog: catalog, opts: opts, log: log}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// Run executes tool over markdown. List tools see every chunk and their
// results are merged; object tools see only the first chunk.
func (s *Service) Run(ctx context.Context, toolName, markdown string) (Result, error) {
	tool, ok := s.catalog.Lookup(toolName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return Result{}, ErrEmptyInput
	}
	if s.opts.MaxInputChars > 0 && len(markdown) > s.opts.MaxInputChars {
		return Result{}, fmt.Errorf("%w: %d characters, limit %d", ErrInputTooLarge, len(markdown), s.opts.MaxInputChars)
	}

	var chunks []string
	if tool.Mode == ModeObject {
		chunks = []string{SplitMarkdown(markdown, s.opts.ChunkChars)[0]}
	} else {
		chunks = SplitMarkdown(markdown, s.opts.ChunkChars)
	}

	log := s.log.With().Str("tool", tool.Name).Int("chunks", len(chunks)).Logger()
	log.Info().Msg("Running analysis tool")

	var (
		mu    sync.Mutex
		usage Usage
	)
	parts := make([]json.RawMessage, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			out, u, err := s.generate(gctx, tool, chunk, i, len(chunks))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			parts[i] = out
			mu.Lock()
			usage.InputTokens += u.InputTokens
			usage.OutputTokens += u.OutputTokens
			usage.Calls += u.Calls
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("Analysis tool failed")
		return Result{}, err
	}

	data := parts[0]
	if tool.Mode == ModeList {
		data = MergeLists(parts, tool.MergeKey)
	}

	log.Info().Int("input_tokens", usage.InputTokens).Int("output_tokens", usage.OutputTokens).Msg("Analysis tool completed")
	return Result{Tool: tool.Name, Data: data, Chunks: len(chunks), Usage: usage}, nil
}

// generate asks the model for one chunk. Output that cannot be repaired or
// fails the schema is sent back once with the problem attached.
func (s *Service) generate(ctx context.Context, tool *Tool, chunk string, index, total int) (json.RawMessage, Usage, error) {
	prompt := buildPrompt(tool, chunk, index, total)
	var usage Usage

	comp, err := s.provider.Generate(ctx, tool.System, prompt, true)
	if err != nil {
		return nil, usage, err
	}
	usage.add(comp)

	out, verr := parseOutput(tool, comp.Text)
	if verr == nil {
		return out, usage, nil
	}

	s.log.Debug().Err(verr).Str("tool", tool.Name).Int("chunk", index+1).Msg("Model output rejected, asking for a correction")
	retry := prompt + "\n\nYour previous answer was rejected: " + verr.Error() +
		"\nPrevious answer:\n" + truncate(comp.Text, 4000) +
		"\n\nReturn only the corrected JSON."

	comp, err = s.provider.Generate(ctx, tool.System, retry, true)
	if err != nil {
		return nil, usage, err
	}
	usage.add(comp)

	out, verr = parseOutput(tool, comp.Text)
	if verr != nil {
		return nil, usage, verr
	}
	return out, usage, nil
}

func (u *Usage) add(c Completion) {
	u.InputTokens += c.InputTokens
	u.OutputTokens += c.OutputTokens
	u.Calls++
}

func buildPrompt(tool *Tool, chunk string, index, total int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(tool.Instructions))
	b.WriteString("\n\n")
	if total > 1 {
		fmt.Fprintf(&b, "Document (part %d of %d):\n", index+1, total)
	} else {
		b.WriteString("Document:\n")
	}
	b.WriteString("<<<\n")
	b.WriteString(chunk)
	b.WriteString("\n>>>\n")
	return b.String()
}

// parseOutput repairs, unwraps and validates raw model text.
func parseOutput(tool *Tool, text string) (json.RawMessage, error) {
	repaired, err := RepairJSON(text)
	if err != nil {
		return nil, err
	}
	if tool.Mode == ModeList {
		repaired = unwrapList(repaired)
	}

	var v any
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := tool.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return json.RawMessage(repaired), nil
}

// unwrapList accepts {"items": [...]} style answers for list tools by
// returning the only array member of a single-key object.
func unwrapList(s string) string {
	res := gjson.Parse(s)
	if !res.IsObject() {
		return s
	}
	var (
		arr   string
		count int
	)
	res.ForEach(func(_, v gjson.Result) bool {
		count++
		if v.IsArray() {
			arr = v.Raw
		}
		return true
	})
	if count == 1 && arr != "" {
		return arr
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
