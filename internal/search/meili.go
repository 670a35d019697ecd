package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/domain"
)

const (
	idxConversions = "mdraft_conversions"
	// maxIndexedBytes caps the Markdown stored per document.
	maxIndexedBytes = 100_000
)

// record is the indexed shape of a conversion.
type record struct {
	ID        string `json:"id"`
	OwnerKey  string `json:"owner_key"`
	Filename  string `json:"filename"`
	Markdown  string `json:"markdown"`
	CreatedAt int64  `json:"created_at"`
}

// Meili implements Backend with Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili connects and configures the index. An unreachable server is not
// an error: the health loop keeps probing and search falls back meanwhile.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(10 * time.Second)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxConversions, PrimaryKey: "id"}); err != nil {
		m.log.Debug().Err(err).Msg("Create search index (may already exist)")
	}
	index := m.client.Index(idxConversions)
	filterable := []interface{}{"owner_key"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("Update filterable attributes")
	}
	searchable := []string{"filename", "markdown"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("Update searchable attributes")
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			was := m.healthy.Swap(err == nil)
			if err == nil && !was {
				m.log.Info().Msg("Meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health loop.
func (m *Meili) Close() { close(m.done) }

func (m *Meili) Healthy() bool { return m.healthy.Load() }

func (m *Meili) Index(_ context.Context, c domain.Conversion) error {
	md := c.Markdown
	if len(md) > maxIndexedBytes {
		md = md[:maxIndexedBytes]
	}
	doc := record{ID: c.ID, OwnerKey: c.OwnerKey, Filename: c.Filename, Markdown: md, CreatedAt: c.CreatedAt.Unix()}
	if _, err := m.client.Index(idxConversions).AddDocuments([]record{doc}, nil); err != nil {
		return fmt.Errorf("Meili.Index: %w", err)
	}
	return nil
}

func (m *Meili) Delete(_ context.Context, id string) error {
	if _, err := m.client.Index(idxConversions).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("Meili.Delete: %w", err)
	}
	return nil
}

func (m *Meili) Search(_ context.Context, ownerKey, query string, limit int) ([]domain.SearchHit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.Index(idxConversions).Search(query, &meili.SearchRequest{
		Limit:                 int64(limit),
		Filter:                fmt.Sprintf("owner_key = %q", ownerKey),
		AttributesToRetrieve:  []string{"id", "filename"},
		AttributesToCrop:      []string{"markdown"},
		CropLength:            30,
		AttributesToHighlight: []string{"markdown"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]domain.SearchHit, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		hits = append(hits, domain.SearchHit{
			ConversionID: decodeString(hit, "id"),
			Filename:     decodeString(hit, "filename"),
			Snippet:      decodeFormatted(hit, "markdown"),
			Score:        decodeFloat(hit, "_rankingScore"),
		})
	}
	return hits, nil
}

func decodeString(hit meili.Hit, key string) string {
	var s string
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func decodeFloat(hit meili.Hit, key string) float64 {
	var f float64
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(formatted[key], &s)
	return strings.TrimSpace(s)
}
