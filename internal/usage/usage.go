package usage

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event kinds.
const (
	KindConversion = "conversion"
	KindAI         = "ai"
)

// Event is one billable unit of work.
type Event struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	OwnerKey     string    `json:"owner_key"`
	Kind         string    `json:"kind"`
	Tool         string    `json:"tool,omitempty"`
	Engine       string    `json:"engine,omitempty"`
	ConversionID string    `json:"conversion_id,omitempty"`
	Bytes        int64     `json:"bytes"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyUsage is one day's totals for a kind.
type DailyUsage struct {
	Day          civil.Date `json:"day"`
	Kind         string     `json:"kind"`
	Count        int64      `json:"count"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
}

// Sink persists usage events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Reporter is implemented by sinks that can aggregate stored events.
type Reporter interface {
	Daily(ctx context.Context, days int) ([]DailyUsage, error)
}

// Recorder stamps events and hands them to a sink. Recording never fails the
// caller; sink errors are logged.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.Status == "" {
		e.Status = "ok"
	}
	if err := r.sink.Write(ctx, e); err != nil {
		r.log.Warn().Err(err).Str("kind", e.Kind).Str("event_id", e.ID).Msg("Failed to record usage event")
	}
}

// Reporter returns the sink's reporter, or nil when the sink cannot report.
func (r *Recorder) Reporter() Reporter {
	if r == nil {
		return nil
	}
	rep, _ := r.sink.(Reporter)
	return rep
}

// LogSink writes events to the log only.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.log.Info().
		Str("event_id", e.ID).
		Str("kind", e.Kind).
		Str("owner_key", e.OwnerKey).
		Str("tool", e.Tool).
		Str("engine", e.Engine).
		Str("conversion_id", e.ConversionID).
		Int64("bytes", e.Bytes).
		Int64("input_tokens", e.InputTokens).
		Int64("output_tokens", e.OutputTokens).
		Int64("duration_ms", e.DurationMs).
		Str("status", e.Status).
		Msg("Usage event")
	return nil
}
