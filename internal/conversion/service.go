// Package conversion turns uploaded documents into Markdown.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/reliability"
)

// ErrEmptyOutput means an engine ran but produced no Markdown.
var ErrEmptyOutput = errors.New("conversion produced no markdown")

// Service routes documents to an engine.
type Service struct {
	markitdown  Engine
	docai       Engine
	passthrough Engine
	docaiAll    bool
	log         zerolog.Logger
}

type Options struct {
	Markitdown Engine
	// DocAI may be nil when Document AI is disabled.
	DocAI Engine
	// DocAIForAllPDFs routes every PDF to DocAI, not only scanned ones.
	DocAIForAllPDFs bool
}

func NewService(opts Options, log zerolog.Logger) *Service {
	return &Service{
		markitdown:  opts.Markitdown,
		docai:       opts.DocAI,
		passthrough: Passthrough{},
		docaiAll:    opts.DocAIForAllPDFs,
		log:         log,
	}
}

// EngineFor reports which engine would handle in.
func (s *Service) EngineFor(in Input) Engine {
	switch {
	case in.Kind == KindText:
		return s.passthrough
	case in.Kind == KindPDF && s.docai != nil && (s.docaiAll || LooksScanned(in.Data)):
		return s.docai
	}
	return s.markitdown
}

// Convert detects the kind when it is not set, runs the chosen engine and
// rejects empty output. Failures marked permanent should not be retried.
func (s *Service) Convert(ctx context.Context, in Input) (Output, error) {
	if in.Kind == KindUnknown {
		kind, mime, err := Detect(in.Filename, in.Data)
		if err != nil {
			return Output{}, reliability.Permanent(err)
		}
		in.Kind, in.MIME = kind, mime
	}

	engine := s.EngineFor(in)
	if engine == nil {
		return Output{}, reliability.Permanent(fmt.Errorf("no engine configured for %s", in.Kind))
	}

	out, err := engine.Convert(ctx, in)
	if err != nil && engine == s.docai && errors.Is(err, reliability.ErrCircuitOpen) && s.markitdown != nil {
		s.log.Warn().Str("filename", in.Filename).Msg("Document AI circuit open, falling back to markitdown")
		out, err = s.markitdown.Convert(ctx, in)
	}
	if err != nil {
		return Output{}, err
	}

	if strings.TrimSpace(out.Markdown) == "" {
		return Output{}, reliability.Permanent(fmt.Errorf("%s: %w", out.Engine, ErrEmptyOutput))
	}
	return out, nil
}
