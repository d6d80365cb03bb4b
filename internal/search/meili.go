package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/nattyright/grail-kun/internal/logger"
)

const (
	idxSheets    = "sheetwatch_sheets"
	defaultLimit = 20
)

// Meili indexes and searches sheets in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the sheet index.
// An unreachable server is not an error: the client reports unhealthy and
// recovers in the background.
func NewMeili(url, apiKey string, log logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch unavailable", logger.String("url", url), logger.Err(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSheets,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", logger.String("index", idxSheets), logger.Err(err))
	}

	index := m.client.Index(idxSheets)
	filterable := []interface{}{"communityId", "ownerId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", logger.String("index", idxSheets), logger.Err(err))
	}
	searchable := []string{"sections", "ownerId", "url", "id"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", logger.String("index", idxSheets), logger.Err(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs q against the sheet index, scoped to q's community.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{searchRequest(q)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func searchRequest(q Query) *meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}
	return &meili.SearchRequest{
		IndexUID:              idxSheets,
		Query:                 q.Text,
		Limit:                 limit,
		AttributesToHighlight: []string{"sections"},
		HighlightPreTag:       "**",
		HighlightPostTag:      "**",
		Filter:                []string{fmt.Sprintf("communityId = %q", q.CommunityID)},
	}
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		CommunityID: decodeString(hit, "communityId"),
		OwnerID:     decodeString(hit, "ownerId"),
		URL:         decodeString(hit, "url"),
	}
	if raw, ok := hit["sections"]; ok {
		_ = json.Unmarshal(raw, &r.Sections)
	}
	r.Snippet = formattedSections(hit)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// formattedSections returns the highlighted section titles that matched.
func formattedSections(hit meili.Hit) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted struct {
		Sections []string `json:"sections"`
	}
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var matched []string
	for _, title := range formatted.Sections {
		if strings.Contains(title, "**") {
			matched = append(matched, title)
		}
	}
	return strings.Join(matched, ", ")
}

// IndexSheet adds or updates one sheet.
func (m *Meili) IndexSheet(rec SheetRecord) error {
	_, err := m.client.Index(idxSheets).AddDocuments([]SheetRecord{rec}, nil)
	return err
}

// IndexSheets bulk-indexes sheets.
func (m *Meili) IndexSheets(records []SheetRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSheets).AddDocuments(records, nil)
	return err
}
