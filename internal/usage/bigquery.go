package usage

import (
	"context"
	"fmt"

	bq "github.com/dvloznov/mdraft/internal/infra/bigquery"
)

// BigQuerySink streams events into <dataset>.usage_events.
type BigQuerySink struct {
	repo bq.UsageRepository
}

func NewBigQuerySink(repo bq.UsageRepository) *BigQuerySink {
	return &BigQuerySink{repo: repo}
}

func (s *BigQuerySink) Write(ctx context.Context, e Event) error {
	if err := s.repo.InsertUsageEvents(ctx, []*bq.UsageEventRow{toRow(e)}); err != nil {
		return fmt.Errorf("BigQuerySink.Write: %w", err)
	}
	return nil
}

func (s *BigQuerySink) Daily(ctx context.Context, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.repo.DailyUsage(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("BigQuerySink.Daily: %w", err)
	}
	out := make([]DailyUsage, 0, len(rows))
	for _, r := range rows {
		out = append(out, DailyUsage{
			Day:          r.Day,
			Kind:         r.Kind,
			Count:        r.Events,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
		})
	}
	return out, nil
}

func toRow(e Event) *bq.UsageEventRow {
	return &bq.UsageEventRow{
		EventID:      e.ID,
		OwnerKey:     e.OwnerKey,
		Kind:         e.Kind,
		UserID:       bq.NullableString(e.UserID),
		Tool:         bq.NullableString(e.Tool),
		Engine:       bq.NullableString(e.Engine),
		ConversionID: bq.NullableString(e.ConversionID),
		Bytes:        e.Bytes,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		DurationMs:   e.DurationMs,
		Status:       e.Status,
		CreatedTS:    e.CreatedAt,
	}
}
