package conversion

import (
	"bytes"
	"context"
	"strings"
)

// Input is one document handed to an engine.
type Input struct {
	Filename string
	Kind     Kind
	MIME     string
	Data     []byte
}

// Output is the Markdown produced by an engine.
type Output struct {
	Markdown string
	Engine   string
}

// Engine converts a document into Markdown.
type Engine interface {
	Name() string
	Convert(ctx context.Context, in Input) (Output, error)
}

// Passthrough returns text files as Markdown after normalising them.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Convert(_ context.Context, in Input) (Output, error) {
	data := bytes.TrimPrefix(in.Data, []byte("\xef\xbb\xbf"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return Output{Markdown: text, Engine: "passthrough"}, nil
}
