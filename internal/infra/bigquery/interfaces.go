package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

// UsageRepository reads and writes usage analytics rows.
type UsageRepository interface {
	InsertUsageEvents(ctx context.Context, rows []*UsageEventRow) error
	DailyUsage(ctx context.Context, days int) ([]*DailyUsageRow, error)
}

// BigQueryUsageRepository is the concrete implementation of UsageRepository.
// It holds a shared BigQuery client to avoid creating a new connection for
// each operation.
type BigQueryUsageRepository struct {
	client    *bigquery.Client
	datasetID string
}

// NewBigQueryUsageRepository creates a repository with a shared client for
// projectID, writing into datasetID.
func NewBigQueryUsageRepository(ctx context.Context, projectID, datasetID string) (*BigQueryUsageRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryUsageRepository: creating client: %w", err)
	}
	return &BigQueryUsageRepository{
		client:    client,
		datasetID: datasetID,
	}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryUsageRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// InsertUsageEvents delegates to InsertUsageEventsWithClient with the shared client.
func (r *BigQueryUsageRepository) InsertUsageEvents(ctx context.Context, rows []*UsageEventRow) error {
	return InsertUsageEventsWithClient(ctx, r.client, r.datasetID, rows)
}

// DailyUsage delegates to DailyUsageWithClient with the shared client.
func (r *BigQueryUsageRepository) DailyUsage(ctx context.Context, days int) ([]*DailyUsageRow, error) {
	return DailyUsageWithClient(ctx, r.client, r.datasetID, days)
}

var _ UsageRepository = (*BigQueryUsageRepository)(nil)
