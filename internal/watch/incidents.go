package watch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/rbac"
	"github.com/nattyright/grail-kun/internal/store"
)

// Resolution notes.
const (
	NoteRejected       = "Changes not approved."
	NoteDismissed      = "Dismissed by moderator."
	NoteReverted       = "Content matches baseline again."
	NoteManualReverted = "Manual check: content matches baseline again."
)

// InlineDiffLimit is the longest diff posted as a message; longer ones are
// attached as files.
const InlineDiffLimit = 1800

// Actor is the user behind an operator request or a button press.
type Actor struct {
	CommunityID string
	Identity    rbac.Identity
}

// OpenIncident opens an incident for a drifted sheet, quarantines it and
// posts the alert. A sheet that already has an open incident is left alone;
// the existing id is returned with opened=false.
func (e *Engine) OpenIncident(ctx context.Context, settings store.Settings, sheet store.Sheet, cmp Comparison) (id string, opened bool, err error) {
	existing, err := e.repo.FindOpenIncident(ctx, sheet.CommunityID, sheet.ID)
	if err == nil {
		return existing.ID, false, nil
	}
	if !isNotFound(err) {
		return "", false, fmt.Errorf("find open incident: %w", err)
	}

	id, err = e.repo.CreateIncident(ctx, store.Incident{
		CommunityID:     sheet.CommunityID,
		SheetID:         sheet.ID,
		OwnerID:         sheet.OwnerID,
		Status:          store.IncidentOpen,
		IncidentContent: cmp.IncidentContent,
	})
	if errors.Is(err, store.ErrOpenIncidentExists) {
		existing, findErr := e.repo.FindOpenIncident(ctx, sheet.CommunityID, sheet.ID)
		if findErr != nil {
			return "", false, fmt.Errorf("find racing incident: %w", findErr)
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return "", false, err
	}

	if err := e.repo.SetQuarantine(ctx, sheet.ID, id, cmp.Current.GlobalHash); err != nil {
		return id, true, err
	}
	e.audit(ctx, sheet, store.AuditIncidentOpened, map[string]any{
		"incident_id":      id,
		"changed_sections": cmp.ChangedSections,
	})
	e.metrics.IncidentOpened()
	e.log.Info("incident opened",
		logger.String("incident_id", id),
		logger.String("sheet_id", sheet.ID),
		logger.String("community_id", sheet.CommunityID),
		logger.Strings("changed_sections", cmp.ChangedSections))

	inc, err := e.repo.GetIncident(ctx, id)
	if err != nil {
		return id, true, err
	}
	fresh, err := e.repo.GetSheet(ctx, sheet.ID)
	if err != nil {
		return id, true, err
	}
	e.postAlert(ctx, settings, inc, fresh)
	if e.notifier != nil {
		if err := e.notifier.IncidentOpened(ctx, fresh, inc); err != nil {
			e.log.Warn("incident notification failed", logger.String("incident_id", id), logger.Err(err))
		}
	}
	return id, true, nil
}

func (e *Engine) postAlert(ctx context.Context, settings store.Settings, inc store.Incident, sheet store.Sheet) {
	if e.alerter == nil || settings.ModAlertChannelID == "" {
		return
	}
	ref, err := e.alerter.PostAlert(ctx, settings.ModAlertChannelID, RenderAlert(inc, sheet))
	if err != nil {
		e.log.Warn("post alert failed", logger.String("incident_id", inc.ID), logger.Err(err))
		return
	}
	if err := e.repo.AttachAlertMessage(ctx, inc.ID, ref); err != nil {
		e.log.Warn("attach alert failed", logger.String("incident_id", inc.ID), logger.Err(err))
	}
}

// refreshAlert re-renders an incident's alert in place. A missing alert or a
// failed edit is not an error for the caller.
func (e *Engine) refreshAlert(ctx context.Context, incidentID string) {
	if e.alerter == nil || incidentID == "" {
		return
	}
	inc, err := e.repo.GetIncident(ctx, incidentID)
	if err != nil || inc.Alert == nil {
		return
	}
	sheet, err := e.repo.GetSheet(ctx, inc.SheetID)
	if err != nil {
		return
	}
	if err := e.alerter.EditAlert(ctx, *inc.Alert, RenderAlert(inc, sheet)); err != nil {
		e.log.Warn("refresh alert failed", logger.String("incident_id", incidentID), logger.Err(err))
	}
}

// resolveReverted closes the sheet's quarantine episode because the content
// matches the baseline again.
func (e *Engine) resolveReverted(ctx context.Context, sheet store.Sheet, resolver, note string) error {
	incidentID := ""
	if sheet.Quarantine != nil {
		incidentID = sheet.Quarantine.IncidentID
	}
	if incidentID != "" {
		if err := e.repo.ResolveIncident(ctx, incidentID, store.IncidentReverted, resolver, note); err != nil {
			return err
		}
		e.metrics.IncidentResolved(store.IncidentReverted)
		e.audit(ctx, sheet, store.AuditIncidentReverted, map[string]any{"incident_id": incidentID, "by": resolver})
	}
	if err := e.repo.ClearQuarantine(ctx, sheet.ID); err != nil {
		return err
	}
	e.refreshAlert(ctx, incidentID)
	return nil
}

// guard loads an incident and checks that the actor may moderate it. It has
// no side effects.
func (e *Engine) guard(ctx context.Context, actor Actor, incidentID string) (store.Incident, store.Settings, error) {
	inc, err := e.repo.GetIncident(ctx, incidentID)
	if isNotFound(err) || (err == nil && actor.CommunityID != "" && inc.CommunityID != actor.CommunityID) {
		return store.Incident{}, store.Settings{}, ErrIncidentNotFound
	}
	if err != nil {
		return store.Incident{}, store.Settings{}, err
	}
	settings, err := e.repo.GetSettings(ctx, inc.CommunityID)
	if err != nil {
		return store.Incident{}, store.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !rbac.Can(rbac.Resolve(actor.Identity, settings.ModRoleIDs), rbac.ActionModerate) {
		return store.Incident{}, store.Settings{}, ErrForbidden
	}
	if !inc.Actionable() {
		return store.Incident{}, store.Settings{}, ErrIncidentClosed
	}
	return inc, settings, nil
}

func (e *Engine) incidentSheet(ctx context.Context, inc store.Incident) (store.Sheet, error) {
	sheet, err := e.repo.GetSheet(ctx, inc.SheetID)
	if isNotFound(err) {
		return store.Sheet{}, fmt.Errorf("sheet %s: %w", inc.SheetID, ErrNotTracked)
	}
	return sheet, err
}

// Approve makes the live document the new baseline.
func (e *Engine) Approve(ctx context.Context, actor Actor, incidentID string) error {
	inc, _, err := e.guard(ctx, actor, incidentID)
	if err != nil {
		return err
	}
	sheet, err := e.incidentSheet(ctx, inc)
	if err != nil {
		return err
	}
	snap, err := e.BuildSnapshot(ctx, sheet)
	if err != nil {
		return err
	}
	by := actor.Identity.UserID
	if err := e.approve(ctx, sheet, by, snap); err != nil {
		return err
	}
	if err := e.repo.ResolveIncident(ctx, inc.ID, store.IncidentApproved, by, ""); err != nil {
		return err
	}
	if err := e.repo.ClearQuarantine(ctx, sheet.ID); err != nil {
		return err
	}
	e.audit(ctx, sheet, store.AuditApprovedUpdate, map[string]any{"incident_id": inc.ID, "by": by})
	e.metrics.IncidentResolved(store.IncidentApproved)
	e.refreshAlert(ctx, inc.ID)
	return nil
}

// Reject closes the incident without clearing quarantine.
func (e *Engine) Reject(ctx context.Context, actor Actor, incidentID string) error {
	inc, _, err := e.guard(ctx, actor, incidentID)
	if err != nil {
		return err
	}
	sheet, err := e.incidentSheet(ctx, inc)
	if err != nil {
		return err
	}
	by := actor.Identity.UserID
	if err := e.repo.ResolveIncident(ctx, inc.ID, store.IncidentRejected, by, NoteRejected); err != nil {
		return err
	}
	e.audit(ctx, sheet, store.AuditIncidentRejected, map[string]any{"incident_id": inc.ID, "by": by})
	e.metrics.IncidentResolved(store.IncidentRejected)
	e.refreshAlert(ctx, inc.ID)
	return nil
}

// Dismiss treats the incident as a false positive. The baseline is kept.
func (e *Engine) Dismiss(ctx context.Context, actor Actor, incidentID string) error {
	inc, _, err := e.guard(ctx, actor, incidentID)
	if err != nil {
		return err
	}
	sheet, err := e.incidentSheet(ctx, inc)
	if err != nil {
		return err
	}
	by := actor.Identity.UserID
	if err := e.repo.ResolveIncident(ctx, inc.ID, store.IncidentDismissed, by, NoteDismissed); err != nil {
		return err
	}
	if err := e.repo.ClearQuarantine(ctx, sheet.ID); err != nil {
		return err
	}
	e.audit(ctx, sheet, store.AuditIncidentDismissed, map[string]any{"incident_id": inc.ID, "by": by})
	e.metrics.IncidentResolved(store.IncidentDismissed)
	e.refreshAlert(ctx, inc.ID)
	return nil
}

// Recheck compares the live document again. Still-changed content refreshes
// the incident; matching content resolves it as reverted.
func (e *Engine) Recheck(ctx context.Context, actor Actor, incidentID string) (bool, error) {
	inc, settings, err := e.guard(ctx, actor, incidentID)
	if err != nil {
		return false, err
	}
	sheet, err := e.incidentSheet(ctx, inc)
	if err != nil {
		return false, err
	}
	cmp, err := e.compareLive(ctx, settings, sheet)
	if err != nil {
		e.recordFailure(ctx, sheet, err)
		return false, err
	}
	if err := e.repo.SetLatest(ctx, sheet.ID, cmp.Current); err != nil {
		return false, err
	}

	if cmp.Changed {
		if err := e.repo.UpdateIncidentContent(ctx, inc.ID, cmp.IncidentContent); err != nil {
			return true, err
		}
		if err := e.repo.UpdateQuarantineRepeat(ctx, sheet.ID, cmp.Current.GlobalHash); err != nil {
			return true, err
		}
		e.refreshAlert(ctx, inc.ID)
		return true, nil
	}

	if err := e.repo.ResolveIncident(ctx, inc.ID, store.IncidentReverted, store.SystemActor, NoteReverted); err != nil {
		return false, err
	}
	if err := e.repo.ClearQuarantine(ctx, sheet.ID); err != nil {
		return false, err
	}
	e.audit(ctx, sheet, store.AuditIncidentReverted, map[string]any{"incident_id": inc.ID, "by": store.SystemActor})
	e.metrics.IncidentResolved(store.IncidentReverted)
	e.refreshAlert(ctx, inc.ID)
	return false, nil
}

// PostDiffs posts the incident's stored diffs to its alert channel. It
// returns how many sections were posted and never changes state.
func (e *Engine) PostDiffs(ctx context.Context, actor Actor, incidentID string) (int, error) {
	inc, settings, err := e.guard(ctx, actor, incidentID)
	if err != nil {
		return 0, err
	}
	if e.alerter == nil {
		return 0, nil
	}
	channelID := settings.ModAlertChannelID
	if inc.Alert != nil {
		channelID = inc.Alert.ChannelID
	}
	if channelID == "" {
		return 0, nil
	}
	sheet, err := e.incidentSheet(ctx, inc)
	if err != nil {
		return 0, err
	}

	keys := inc.ChangedKeys
	if len(keys) == 0 {
		for key := range inc.Diffs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}
	if limit := settings.MaxSectionsToPost; limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	posted := 0
	for _, key := range keys {
		diff, ok := inc.Diffs[key]
		if !ok {
			continue
		}
		title := sectionTitle(sheet, key)
		if len(diff) < InlineDiffLimit {
			err = e.alerter.PostText(ctx, channelID, "**"+title+"**\n"+diff)
		} else {
			name := fmt.Sprintf("%s_%s_diff.txt", sheet.ID, fileSafe(key))
			err = e.alerter.PostFile(ctx, channelID, "**"+title+"** (diff attached)", name, []byte(diff))
		}
		if err != nil {
			return posted, fmt.Errorf("post diff %s: %w", key, err)
		}
		posted++
	}
	return posted, nil
}

func sectionTitle(sheet store.Sheet, key string) string {
	if sheet.Approved != nil {
		if s, ok := sheet.Approved.Sections[key]; ok && s.Title != "" {
			return s.Title
		}
	}
	if sheet.Latest != nil {
		if s, ok := sheet.Latest.Sections[key]; ok && s.Title != "" {
			return s.Title
		}
	}
	return key
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func fileSafe(key string) string {
	return unsafeFileChars.ReplaceAllString(key, "_")
}
