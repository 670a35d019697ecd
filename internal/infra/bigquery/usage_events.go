package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
)

const usageEventsTable = "usage_events"

// UsageEventRow is one row of <dataset>.usage_events.
type UsageEventRow struct {
	EventID  string `bigquery:"event_id"`  // REQUIRED
	OwnerKey string `bigquery:"owner_key"` // REQUIRED
	Kind     string `bigquery:"kind"`      // REQUIRED

	UserID       bigquery.NullString `bigquery:"user_id"`       // NULLABLE
	Tool         bigquery.NullString `bigquery:"tool"`          // NULLABLE
	Engine       bigquery.NullString `bigquery:"engine"`        // NULLABLE
	ConversionID bigquery.NullString `bigquery:"conversion_id"` // NULLABLE

	Bytes        int64 `bigquery:"bytes"`
	InputTokens  int64 `bigquery:"input_tokens"`
	OutputTokens int64 `bigquery:"output_tokens"`
	DurationMs   int64 `bigquery:"duration_ms"`

	Status    string    `bigquery:"status"`     // REQUIRED
	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// DailyUsageRow aggregates usage_events per day and kind.
type DailyUsageRow struct {
	Day          civil.Date `bigquery:"day"`
	Kind         string     `bigquery:"kind"`
	Events       int64      `bigquery:"events"`
	InputTokens  int64      `bigquery:"input_tokens"`
	OutputTokens int64      `bigquery:"output_tokens"`
}

// NullableString maps "" to a NULL column value.
func NullableString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
