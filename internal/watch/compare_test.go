package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nattyright/grail-kun/internal/sheettext"
	"github.com/nattyright/grail-kun/internal/store"
)

func snapshotOf(sections map[string]string) store.Snapshot {
	out := store.Snapshot{Sections: map[string]store.SnapshotSection{}}
	hashes := map[string]string{}
	for key, text := range sections {
		h := sheettext.HashText(text)
		hashes[key] = h
		out.Sections[key] = store.SnapshotSection{Title: key, Hash: h, Text: text}
	}
	out.GlobalHash = sheettext.GlobalHash(hashes)
	return out
}

var testLimits = Limits{MaxDiffChars: 3500, MaxChangedWords: 120}

func TestCompare(t *testing.T) {
	approved := snapshotOf(map[string]string{"A": "x", "B": "y"})

	tests := []struct {
		name     string
		current  map[string]string
		changed  bool
		keys     []string
		sections []string
	}{
		{name: "identical", current: map[string]string{"A": "x", "B": "y"}},
		{name: "modified", current: map[string]string{"A": "x", "B": "z"}, changed: true, keys: []string{"B"}, sections: []string{"B"}},
		{name: "removed", current: map[string]string{"A": "x"}, changed: true, keys: []string{"B"}, sections: []string{"[REMOVED] B"}},
		{name: "added", current: map[string]string{"A": "x", "B": "y", "C": "new"}, changed: true, keys: []string{"C"}, sections: []string{"[ADDED] C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(approved, snapshotOf(tt.current), testLimits)
			assert.Equal(t, tt.changed, got.Changed)
			if !tt.changed {
				assert.Empty(t, got.ChangedKeys)
				assert.Empty(t, got.Diffs)
				return
			}
			assert.Equal(t, tt.keys, got.ChangedKeys)
			assert.Equal(t, tt.sections, got.ChangedSections)
			for _, key := range tt.keys {
				assert.Contains(t, got.Diffs, key)
			}
		})
	}
}

func TestCompareLabelsModifiedSectionWithApprovedTitle(t *testing.T) {
	approved := store.Snapshot{Sections: map[string]store.SnapshotSection{
		"backstory": {Title: "Backstory", Hash: sheettext.HashText("old"), Text: "old"},
	}}
	current := store.Snapshot{Sections: map[string]store.SnapshotSection{
		"backstory": {Title: "BACKSTORY", Hash: sheettext.HashText("new"), Text: "new"},
	}}

	cmp := Compare(approved, current, testLimits)
	require.True(t, cmp.Changed)
	assert.Equal(t, []string{"Backstory"}, cmp.ChangedSections)
}

func TestCompareRecordsHashTransitions(t *testing.T) {
	approved := snapshotOf(map[string]string{"A": "x", "B": "y"})
	got := Compare(approved, snapshotOf(map[string]string{"A": "x2", "C": "z"}), testLimits)

	require.Equal(t, []string{"A", "B", "C"}, got.ChangedKeys)
	assert.Equal(t, sheettext.HashText("x"), got.FromHashes["A"])
	assert.Equal(t, sheettext.HashText("x2"), got.ToHashes["A"])
	assert.Empty(t, got.ToHashes["B"])
	assert.Empty(t, got.FromHashes["C"])
	assert.Contains(t, got.Diffs["B"], "- y")
	assert.Contains(t, got.Diffs["C"], "+ z")
}

func TestSnapshotFromTextIgnoresCosmeticEdits(t *testing.T) {
	a := SnapshotFromText("# Stats\nSTR 10\n\n\n# Gear\nA sword", "md")
	b := SnapshotFromText("#  stats  \r\nSTR   10\n# Gear\nA sword   ", "md")
	assert.Equal(t, a.GlobalHash, b.GlobalHash)
	assert.False(t, Compare(a, b, testLimits).Changed)
}
