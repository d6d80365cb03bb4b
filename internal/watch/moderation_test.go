package watch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nattyright/grail-kun/internal/rbac"
	"github.com/nattyright/grail-kun/internal/store"
)

// driftedHarness returns a harness with testDoc quarantined on an open
// incident, and that incident's id.
func driftedHarness(t *testing.T) (*harness, string) {
	t.Helper()
	h := newHarness()
	h.seedApproved(originalSheet)
	h.fetcher.set(testDoc, editedSheet)
	_, err := h.engine.Reconcile(context.Background(), testCommunity)
	require.NoError(t, err)
	sheet := h.repo.sheet(testDoc)
	require.NotNil(t, sheet.Quarantine)
	return h, sheet.Quarantine.IncidentID
}

func TestApproveReplacesBaseline(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Approve(ctx, moderator(), incidentID))

	sheet := h.repo.sheet(testDoc)
	assert.Equal(t, store.SheetStatusOK, sheet.Status)
	assert.Nil(t, sheet.Quarantine)
	require.NotNil(t, sheet.Approved)
	assert.Equal(t, "222", sheet.Approved.By)
	assert.Equal(t, SnapshotFromText(editedSheet, "md").GlobalHash, sheet.Approved.GlobalHash)

	inc := h.repo.incident(incidentID)
	assert.Equal(t, store.IncidentApproved, inc.Status)
	assert.Equal(t, "222", inc.ResolvedBy)
	assert.Contains(t, h.repo.auditKinds(testDoc), store.AuditApprovedUpdate)

	edit := h.alerter.lastEdit()
	assert.Contains(t, edit.Description, "APPROVED")
	assert.Empty(t, edit.Controls)

	// The next pass sees no drift.
	report, err := h.engine.Reconcile(ctx, testCommunity)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
}

func TestNonModeratorCannotApprove(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	before := h.repo.auditKinds(testDoc)

	err := h.engine.Approve(ctx, member(), incidentID)
	require.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, store.IncidentOpen, h.repo.incident(incidentID).Status)
	assert.Equal(t, store.SheetStatusQuarantined, h.repo.sheet(testDoc).Status)
	assert.Equal(t, before, h.repo.auditKinds(testDoc))
}

func TestModeratorAuthority(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()

	admin := Actor{CommunityID: testCommunity, Identity: rbac.Identity{UserID: "1", Admin: true}}
	_, err := h.engine.PostDiffs(ctx, admin, incidentID)
	require.NoError(t, err)

	// Without configured roles only administrators moderate.
	h.repo.configure(testCommunity, func(s *store.Settings) { s.ModRoleIDs = nil })
	_, err = h.engine.PostDiffs(ctx, moderator(), incidentID)
	require.ErrorIs(t, err, ErrForbidden)

	// Incidents from another community are invisible.
	foreign := moderator()
	foreign.CommunityID = "guild-2"
	_, err = h.engine.PostDiffs(ctx, foreign, incidentID)
	require.ErrorIs(t, err, ErrIncidentNotFound)

	_, err = h.engine.PostDiffs(ctx, admin, "inc_missing")
	require.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestRejectKeepsQuarantine(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Reject(ctx, moderator(), incidentID))

	inc := h.repo.incident(incidentID)
	assert.Equal(t, store.IncidentRejected, inc.Status)
	assert.Equal(t, NoteRejected, inc.ResolutionNote)
	assert.Equal(t, store.SheetStatusQuarantined, h.repo.sheet(testDoc).Status)

	edit := h.alerter.lastEdit()
	require.Len(t, edit.Controls, 5)
	assert.True(t, edit.Controls[1].Disabled)

	// Rejected incidents still accept recheck and later approval.
	changed, err := h.engine.Recheck(ctx, moderator(), incidentID)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, h.engine.Approve(ctx, moderator(), incidentID))
	assert.Equal(t, store.IncidentApproved, h.repo.incident(incidentID).Status)
}

func TestDismissClearsQuarantineAndKeepsBaseline(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	baseline := h.repo.sheet(testDoc).Approved.GlobalHash

	require.NoError(t, h.engine.Dismiss(ctx, moderator(), incidentID))

	sheet := h.repo.sheet(testDoc)
	assert.Equal(t, store.SheetStatusOK, sheet.Status)
	assert.Nil(t, sheet.Quarantine)
	assert.Equal(t, baseline, sheet.Approved.GlobalHash)
	inc := h.repo.incident(incidentID)
	assert.Equal(t, store.IncidentDismissed, inc.Status)
	assert.Equal(t, NoteDismissed, inc.ResolutionNote)
}

func TestResolvedIncidentRefusesActions(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Dismiss(ctx, moderator(), incidentID))

	require.ErrorIs(t, h.engine.Approve(ctx, moderator(), incidentID), ErrIncidentClosed)
	require.ErrorIs(t, h.engine.Reject(ctx, moderator(), incidentID), ErrIncidentClosed)
	_, err := h.engine.Recheck(ctx, moderator(), incidentID)
	require.ErrorIs(t, err, ErrIncidentClosed)
	assert.Equal(t, store.IncidentDismissed, h.repo.incident(incidentID).Status)
}

func TestRecheckRefreshesOrResolves(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()

	h.fetcher.set(testDoc, otherEdit)
	changed, err := h.engine.Recheck(ctx, moderator(), incidentID)
	require.NoError(t, err)
	assert.True(t, changed)
	inc := h.repo.incident(incidentID)
	assert.Contains(t, inc.Diffs["abilities"], "teleportation")
	assert.Equal(t, 1, h.repo.sheet(testDoc).Quarantine.Repeats)

	h.fetcher.set(testDoc, originalSheet)
	changed, err = h.engine.Recheck(ctx, moderator(), incidentID)
	require.NoError(t, err)
	assert.False(t, changed)
	inc = h.repo.incident(incidentID)
	assert.Equal(t, store.IncidentReverted, inc.Status)
	assert.Equal(t, store.SystemActor, inc.ResolvedBy)
	assert.Nil(t, h.repo.sheet(testDoc).Quarantine)
}

func TestPostDiffsInlineAndAttached(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	long := strings.Repeat("x", InlineDiffLimit)
	require.NoError(t, h.repo.UpdateIncidentContent(ctx, incidentID, store.IncidentContent{
		ChangedKeys: []string{"abilities", "backstory"},
		Diffs:       map[string]string{"abilities": "```diff\n+ flight\n```", "backstory": long},
	}))

	posted, err := h.engine.PostDiffs(ctx, moderator(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, 2, posted)

	require.Len(t, h.alerter.texts, 1)
	assert.Equal(t, "**Abilities**\n```diff\n+ flight\n```", h.alerter.texts[0])
	require.Len(t, h.alerter.files, 1)
	assert.Equal(t, testDoc+"_backstory_diff.txt", h.alerter.files[0].filename)
	assert.Equal(t, "**Backstory** (diff attached)", h.alerter.files[0].content)
	assert.Equal(t, testAlerts, h.alerter.files[0].channelID)

	assert.Equal(t, store.IncidentOpen, h.repo.incident(incidentID).Status)
}

func TestPostDiffsCapsSections(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	h.repo.configure(testCommunity, func(s *store.Settings) { s.MaxSectionsToPost = 1 })
	require.NoError(t, h.repo.UpdateIncidentContent(ctx, incidentID, store.IncidentContent{
		Diffs: map[string]string{"b": "two", "a": "one"},
	}))

	posted, err := h.engine.PostDiffs(ctx, moderator(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, 1, posted)
	assert.Equal(t, []string{"**a**\none"}, h.alerter.texts)
}

func TestManualCheckOutcomes(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedApproved(originalSheet)

	report, err := h.engine.ManualCheck(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, CheckUnchanged, report.Result)

	h.fetcher.set(testDoc, editedSheet)
	report, err = h.engine.ManualCheck(ctx, moderator(), "https://docs.google.com/document/d/"+testDoc+"/edit")
	require.NoError(t, err)
	assert.Equal(t, CheckOpened, report.Result)
	incidentID := report.IncidentID
	require.NotEmpty(t, incidentID)

	h.fetcher.set(testDoc, otherEdit)
	report, err = h.engine.ManualCheck(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, CheckStill, report.Result)
	assert.Equal(t, 1, report.Repeats)

	// An open incident that lost its quarantine is reattached, not duplicated.
	require.NoError(t, h.repo.ClearQuarantine(ctx, testDoc))
	report, err = h.engine.ManualCheck(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, CheckRefreshed, report.Result)
	assert.Equal(t, incidentID, report.IncidentID)
	assert.Len(t, h.repo.incidentsFor(testDoc), 1)

	h.fetcher.set(testDoc, originalSheet)
	report, err = h.engine.ManualCheck(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, CheckUnchanged, report.Result)
	inc := h.repo.incident(incidentID)
	assert.Equal(t, store.IncidentReverted, inc.Status)
	assert.Equal(t, "222", inc.ResolvedBy)
	assert.Equal(t, NoteManualReverted, inc.ResolutionNote)
}

func TestManualCheckUnknownSheet(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedApproved(originalSheet)

	_, err := h.engine.ManualCheck(ctx, moderator(), "docUNKNOWNUNKNOWN")
	require.ErrorIs(t, err, ErrNotTracked)

	foreign := moderator()
	foreign.CommunityID = "guild-2"
	_, err = h.engine.ManualCheck(ctx, foreign, testDoc)
	require.ErrorIs(t, err, ErrNotTracked)

	_, err = h.engine.ManualCheck(ctx, moderator(), "short")
	require.ErrorIs(t, err, ErrInvalidRef)
}

func TestManualDiffLeavesStateAlone(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedApproved(originalSheet)

	report, err := h.engine.ManualDiff(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.False(t, report.Changed)
	assert.Empty(t, report.Sections)

	h.fetcher.set(testDoc, editedSheet)
	report, err = h.engine.ManualDiff(ctx, moderator(), testDoc)
	require.NoError(t, err)
	assert.True(t, report.Changed)
	require.Len(t, report.Sections, 1)
	assert.Equal(t, "abilities", report.Sections[0].Key)
	assert.Equal(t, "Abilities", report.Sections[0].Title)

	sheet := h.repo.sheet(testDoc)
	assert.Nil(t, sheet.Latest)
	assert.Equal(t, store.SheetStatusOK, sheet.Status)
	assert.Empty(t, h.repo.incidentsFor(testDoc))
}

func TestAuditLogNewestFirst(t *testing.T) {
	h, incidentID := driftedHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Reject(ctx, moderator(), incidentID))

	_, entries, err := h.engine.AuditLog(ctx, moderator(), testDoc, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditIncidentRejected, entries[0].Kind)
	assert.Equal(t, incidentID, entries[0].IncidentID())
	assert.Equal(t, store.AuditIncidentOpened, entries[1].Kind)
}
