package watch

import (
	"context"
	"fmt"
	"sort"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/sheettext"
	"github.com/nattyright/grail-kun/internal/store"
)

const (
	labelAdded   = "[ADDED] "
	labelRemoved = "[REMOVED] "
)

// Limits bound rendered diffs.
type Limits struct {
	MaxDiffChars    int
	MaxChangedWords int
}

func limitsFor(s store.Settings) Limits {
	return Limits{MaxDiffChars: s.MaxDiffChars, MaxChangedWords: s.MaxChangedWords}
}

// Comparison is the outcome of checking a snapshot against a baseline.
type Comparison struct {
	Changed bool
	store.IncidentContent
	Current store.Snapshot
}

// BuildSnapshot fetches a document and captures its sections. Sign-in pages
// surface as ErrAccessDenied.
func (e *Engine) BuildSnapshot(ctx context.Context, sheet store.Sheet) (store.Snapshot, error) {
	export, err := e.fetcher.FetchBest(ctx, sheet.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if e.archive != nil {
		if err := e.archive.Archive(ctx, sheet.CommunityID, sheet.ID, export); err != nil {
			e.log.Warn("archive export failed", logger.String("sheet_id", sheet.ID), logger.Err(err))
		}
	}
	return SnapshotFromText(export.Text, export.Format), nil
}

// SnapshotFromText runs the normalize, sectionize and hash pipeline over an
// export body.
func SnapshotFromText(raw, format string) store.Snapshot {
	sections := sheettext.Sectionize(sheettext.Normalize(raw))
	hashes := sheettext.HashSections(sections)
	out := store.Snapshot{
		Format:     format,
		Sections:   make(map[string]store.SnapshotSection, len(sections)),
		GlobalHash: sheettext.GlobalHash(hashes),
	}
	for key, section := range sections {
		out.Sections[key] = store.SnapshotSection{Title: section.Title, Hash: hashes[key], Text: section.Text}
	}
	return out
}

// Compare checks current against approved. Added and removed sections always
// count as changes and are diffed against the empty string.
func Compare(approved, current store.Snapshot, limits Limits) Comparison {
	out := Comparison{
		Current: current,
		IncidentContent: store.IncidentContent{
			ChangedKeys:     []string{},
			ChangedSections: []string{},
			Diffs:           map[string]string{},
			FromHashes:      map[string]string{},
			ToHashes:        map[string]string{},
		},
	}

	keys := make(map[string]struct{}, len(approved.Sections)+len(current.Sections))
	for key := range approved.Sections {
		keys[key] = struct{}{}
	}
	for key := range current.Sections {
		keys[key] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		was, hadIt := approved.Sections[key]
		now, hasIt := current.Sections[key]
		var label string
		switch {
		case hasIt && !hadIt:
			label = labelAdded + now.Title
		case hadIt && !hasIt:
			label = labelRemoved + was.Title
		case was.Hash != now.Hash:
			label = was.Title
		default:
			continue
		}
		out.ChangedKeys = append(out.ChangedKeys, key)
		out.ChangedSections = append(out.ChangedSections, label)
		out.Diffs[key] = sheettext.DiffWords(was.Text, now.Text, limits.MaxDiffChars, limits.MaxChangedWords)
		out.FromHashes[key] = was.Hash
		out.ToHashes[key] = now.Hash
	}
	out.Changed = len(out.ChangedKeys) > 0
	return out
}

// compareLive fetches the live document of an approved sheet and compares it
// against the baseline.
func (e *Engine) compareLive(ctx context.Context, settings store.Settings, sheet store.Sheet) (Comparison, error) {
	if sheet.Approved == nil {
		return Comparison{}, fmt.Errorf("compare %s: %w", sheet.ID, ErrNotApproved)
	}
	current, err := e.BuildSnapshot(ctx, sheet)
	if err != nil {
		return Comparison{}, err
	}
	return Compare(*sheet.Approved, current, limitsFor(settings)), nil
}
