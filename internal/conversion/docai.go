package conversion

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dvloznov/mdraft/internal/reliability"
)

// processFunc is the one Document AI call the engine needs.
type processFunc func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)

// DocAI converts scanned PDFs through a Document AI OCR processor.
type DocAI struct {
	name    string
	process processFunc
	close   func() error
	guard   *reliability.Guard
}

// NewDocAI dials the regional Document AI endpoint for location.
func NewDocAI(ctx context.Context, project, location, processorID string, guard *reliability.Guard) (*DocAI, error) {
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("NewDocAI: create client: %w", err)
	}
	d := &DocAI{
		name:  fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID),
		close: client.Close,
		guard: guard,
	}
	d.process = func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
		return client.ProcessDocument(ctx, req)
	}
	return d, nil
}

func (d *DocAI) Name() string { return "docai" }

func (d *DocAI) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func (d *DocAI) Convert(ctx context.Context, in Input) (Output, error) {
	if d.guard == nil {
		return d.run(ctx, in)
	}
	return reliability.Call(ctx, d.guard, func(ctx context.Context) (Output, error) {
		return d.run(ctx, in)
	})
}

func (d *DocAI) run(ctx context.Context, in Input) (Output, error) {
	mime := in.MIME
	if mime == "" {
		mime = "application/pdf"
	}
	resp, err := d.process(ctx, &documentaipb.ProcessRequest{
		Name: d.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: in.Data, MimeType: mime},
		},
	})
	if err != nil {
		return Output{}, classifyDocAIError(err)
	}
	return Output{Markdown: renderDocument(resp.GetDocument()), Engine: d.Name()}, nil
}

func classifyDocAIError(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.Unknown:
		return fmt.Errorf("docai: %w", err)
	}
	return reliability.Permanent(fmt.Errorf("docai: %w", err))
}

// renderDocument turns OCR output into Markdown paragraphs with a horizontal
// rule between pages.
func renderDocument(doc *documentaipb.Document) string {
	if doc == nil {
		return ""
	}
	text := doc.GetText()
	if len(doc.GetPages()) == 0 {
		return strings.TrimSpace(text)
	}

	pages := make([]string, 0, len(doc.GetPages()))
	for _, page := range doc.GetPages() {
		var paras []string
		for _, p := range page.GetParagraphs() {
			if s := collapseLines(anchorText(text, p.GetLayout().GetTextAnchor())); s != "" {
				paras = append(paras, s)
			}
		}
		if len(paras) == 0 {
			if s := strings.TrimSpace(anchorText(text, page.GetLayout().GetTextAnchor())); s != "" {
				paras = append(paras, s)
			}
		}
		if len(paras) > 0 {
			pages = append(pages, strings.Join(paras, "\n\n"))
		}
	}
	return strings.Join(pages, "\n\n---\n\n")
}

func anchorText(text string, anchor *documentaipb.Document_TextAnchor) string {
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := int(seg.GetStartIndex()), int(seg.GetEndIndex())
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		b.WriteString(text[start:end])
	}
	return b.String()
}

func collapseLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
