package search

import (
	"context"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/store"
)

// Fallback is the database search used when Meilisearch is absent or down.
type Fallback interface {
	SearchSheets(ctx context.Context, communityID, query string, limit int) ([]store.Sheet, error)
}

type engine interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexSheet(rec SheetRecord) error
	IndexSheets(records []SheetRecord) error
}

// Service tries Meilisearch first and falls back to the database.
type Service struct {
	meili engine
	db    Fallback
	log   logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, db Fallback, log logger.Logger) *Service {
	s := &Service{db: db, log: log}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to database", logger.Err(err))
	}

	sheets, err := s.db.SearchSheets(ctx, q.CommunityID, q.Text, q.Limit)
	if err != nil {
		s.log.Error("database sheet search failed", logger.String("community_id", q.CommunityID), logger.Err(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	results := make([]Result, 0, len(sheets))
	for _, sheet := range sheets {
		results = append(results, resultFor(sheet))
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexSheet pushes the sheet to Meilisearch when it is reachable. The
// database fallback needs no indexing, so an unavailable index is not an
// error.
func (s *Service) IndexSheet(_ context.Context, sheet store.Sheet) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexSheet(RecordFor(sheet))
}

// Reindex pushes every given sheet, e.g. on boot after the index was lost.
func (s *Service) Reindex(sheets []store.Sheet) {
	if s.meili == nil || !s.meili.Healthy() || len(sheets) == 0 {
		return
	}
	records := make([]SheetRecord, 0, len(sheets))
	for _, sheet := range sheets {
		records = append(records, RecordFor(sheet))
	}
	if err := s.meili.IndexSheets(records); err != nil {
		s.log.Warn("reindex sheets failed", logger.Int("count", len(records)), logger.Err(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
