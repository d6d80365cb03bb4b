// Package search finds tracked sheets by owner, url or section title.
package search

import (
	"sort"

	"github.com/nattyright/grail-kun/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string   `json:"id"`
	CommunityID string   `json:"communityId"`
	OwnerID     string   `json:"ownerId"`
	URL         string   `json:"url"`
	Sections    []string `json:"sections,omitempty"`
	Snippet     string   `json:"snippet,omitempty"`
}

type Query struct {
	CommunityID string
	Text        string
	Limit       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// SheetRecord is the data we index for a sheet.
type SheetRecord struct {
	ID          string   `json:"id"`
	CommunityID string   `json:"communityId"`
	OwnerID     string   `json:"ownerId"`
	URL         string   `json:"url"`
	Sections    []string `json:"sections"`
}

// RecordFor builds the index record for a sheet. Section titles come from
// the approved baseline and are empty until one exists.
func RecordFor(sheet store.Sheet) SheetRecord {
	rec := SheetRecord{
		ID:          sheet.ID,
		CommunityID: sheet.CommunityID,
		OwnerID:     sheet.OwnerID,
		URL:         sheet.URL,
		Sections:    []string{},
	}
	if sheet.Approved != nil {
		for _, section := range sheet.Approved.Sections {
			if section.Title != "" {
				rec.Sections = append(rec.Sections, section.Title)
			}
		}
		sort.Strings(rec.Sections)
	}
	return rec
}

func resultFor(sheet store.Sheet) Result {
	rec := RecordFor(sheet)
	return Result{
		ID:          rec.ID,
		CommunityID: rec.CommunityID,
		OwnerID:     rec.OwnerID,
		URL:         rec.URL,
		Sections:    rec.Sections,
	}
}
