package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

// InsertUsageEventsWithClient streams rows into <dataset>.usage_events.
func InsertUsageEventsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, rows []*UsageEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	inserter := client.Dataset(datasetID).Table(usageEventsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertUsageEventsWithClient: put: %w", err)
	}
	return nil
}

// DailyUsageWithClient returns per-day totals for the last `days` days,
// oldest first.
func DailyUsageWithClient(ctx context.Context, client *bigquery.Client, datasetID string, days int) ([]*DailyUsageRow, error) {
	query := fmt.Sprintf(`
		SELECT
			DATE(created_ts) AS day,
			kind,
			COUNT(*) AS events,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens
		FROM `+"`%s.%s.%s`"+`
		WHERE created_ts >= TIMESTAMP_SUB(CURRENT_TIMESTAMP(), INTERVAL @days DAY)
		GROUP BY day, kind
		ORDER BY day, kind
	`, client.Project(), datasetID, usageEventsTable)

	q := client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "days", Value: int64(days)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("DailyUsageWithClient: reading query: %w", err)
	}

	var out []*DailyUsageRow
	for {
		var row DailyUsageRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("DailyUsageWithClient: iterating: %w", err)
		}
		out = append(out, &row)
	}

	return out, nil
}
