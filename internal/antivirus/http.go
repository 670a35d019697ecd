package antivirus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/mdraft/internal/reliability"
)

// HTTPScanner posts the raw file to a scanning service that answers
// {"clean": bool, "signature": string}.
type HTTPScanner struct {
	url    string
	client *http.Client
	guard  *reliability.Guard
}

func NewHTTPScanner(url string, guard *reliability.Guard) *HTTPScanner {
	return &HTTPScanner{url: url, client: &http.Client{Timeout: 60 * time.Second}, guard: guard}
}

func (h *HTTPScanner) Name() string { return "http" }

func (h *HTTPScanner) Scan(ctx context.Context, name string, data []byte) (Verdict, error) {
	if h.guard == nil {
		return h.scan(ctx, name, data)
	}
	return reliability.Call(ctx, h.guard, func(ctx context.Context) (Verdict, error) {
		return h.scan(ctx, name, data)
	})
}

func (h *HTTPScanner) scan(ctx context.Context, name string, data []byte) (Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return Verdict{}, reliability.Permanent(fmt.Errorf("build scan request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", name)

	resp, err := h.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("scan request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{}, fmt.Errorf("scanner returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Verdict{}, reliability.Permanent(fmt.Errorf("scanner returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, reliability.Permanent(fmt.Errorf("decode scanner response: %w", err))
	}
	return v, nil
}
