package watch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nattyright/grail-kun/internal/sheettext"
	"github.com/nattyright/grail-kun/internal/store"
)

// Manual check results.
const (
	CheckUnchanged = "unchanged"
	CheckStill     = "still_changed"
	CheckRefreshed = "incident_refreshed"
	CheckOpened    = "incident_opened"
)

type CheckReport struct {
	SheetID    string `json:"sheet_id"`
	Result     string `json:"result"`
	IncidentID string `json:"incident_id,omitempty"`
	Repeats    int    `json:"repeats,omitempty"`
	Message    string `json:"message"`
}

// LookupSheet resolves a URL or bare id to a sheet recorded for the community.
func (e *Engine) LookupSheet(ctx context.Context, communityID, ref string) (store.Sheet, error) {
	id, ok := sheettext.ResolveDocRef(ref)
	if !ok {
		return store.Sheet{}, ErrInvalidRef
	}
	sheet, err := e.repo.GetSheet(ctx, id)
	if isNotFound(err) || (err == nil && sheet.CommunityID != communityID) {
		return store.Sheet{}, fmt.Errorf("%s: %w", id, ErrNotTracked)
	}
	if err != nil {
		return store.Sheet{}, err
	}
	return sheet, nil
}

// ManualCheck runs the drift policy for one sheet on request. Besides the
// scheduled policy it repairs a sheet that has an open incident but lost its
// quarantine.
func (e *Engine) ManualCheck(ctx context.Context, actor Actor, ref string) (CheckReport, error) {
	sheet, err := e.LookupSheet(ctx, actor.CommunityID, ref)
	if err != nil {
		return CheckReport{}, err
	}
	if sheet.Approved == nil {
		return CheckReport{}, fmt.Errorf("%s: %w", sheet.ID, ErrNotApproved)
	}
	settings, err := e.repo.GetSettings(ctx, sheet.CommunityID)
	if err != nil {
		return CheckReport{}, fmt.Errorf("load settings: %w", err)
	}

	report, err := e.manualCheck(ctx, actor, settings, sheet)
	if err != nil {
		e.recordFailure(ctx, sheet, err)
		return CheckReport{}, err
	}
	return report, nil
}

func (e *Engine) manualCheck(ctx context.Context, actor Actor, settings store.Settings, sheet store.Sheet) (CheckReport, error) {
	report := CheckReport{SheetID: sheet.ID}
	cmp, err := e.compareLive(ctx, settings, sheet)
	if err != nil {
		return report, err
	}
	if err := e.repo.SetLatest(ctx, sheet.ID, cmp.Current); err != nil {
		return report, err
	}

	if !cmp.Changed {
		if sheet.IsQuarantined() {
			if err := e.resolveReverted(ctx, sheet, actor.Identity.UserID, NoteManualReverted); err != nil {
				return report, err
			}
		}
		report.Result = CheckUnchanged
		report.Message = fmt.Sprintf("Manual check: no changes detected for `%s`.", sheet.ID)
		return report, nil
	}

	if sheet.IsQuarantined() {
		if err := e.repo.UpdateQuarantineRepeat(ctx, sheet.ID, cmp.Current.GlobalHash); err != nil {
			return report, err
		}
		fresh, err := e.repo.GetSheet(ctx, sheet.ID)
		if err != nil {
			return report, err
		}
		report.Result = CheckStill
		if fresh.Quarantine != nil {
			report.IncidentID = fresh.Quarantine.IncidentID
			report.Repeats = fresh.Quarantine.Repeats
			e.refreshAlert(ctx, fresh.Quarantine.IncidentID)
		}
		report.Message = fmt.Sprintf("Manual check: still changed (quarantined). Repeats: %d.", report.Repeats)
		return report, nil
	}

	existing, err := e.repo.FindOpenIncident(ctx, sheet.CommunityID, sheet.ID)
	if err == nil {
		if err := e.repo.SetQuarantine(ctx, sheet.ID, existing.ID, cmp.Current.GlobalHash); err != nil {
			return report, err
		}
		e.refreshAlert(ctx, existing.ID)
		report.Result = CheckRefreshed
		report.IncidentID = existing.ID
		report.Message = fmt.Sprintf("Manual check: changes detected. Existing incident refreshed: `%s`.", existing.ID)
		return report, nil
	}
	if !isNotFound(err) {
		return report, err
	}

	id, _, err := e.OpenIncident(ctx, settings, sheet, cmp)
	if err != nil {
		return report, err
	}
	report.Result = CheckOpened
	report.IncidentID = id
	report.Message = fmt.Sprintf("Manual check: changes detected. Incident opened: `%s`.", id)
	return report, nil
}

type SectionDiff struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Diff  string `json:"diff"`
}

type DiffReport struct {
	SheetID  string        `json:"sheet_id"`
	Changed  bool          `json:"changed"`
	Sections []SectionDiff `json:"sections"`
	Message  string        `json:"message"`
}

// ManualDiff renders the current drift of a sheet without touching any state.
func (e *Engine) ManualDiff(ctx context.Context, actor Actor, ref string) (DiffReport, error) {
	sheet, err := e.LookupSheet(ctx, actor.CommunityID, ref)
	if err != nil {
		return DiffReport{}, err
	}
	if sheet.Approved == nil {
		return DiffReport{}, fmt.Errorf("%s: %w", sheet.ID, ErrNotApproved)
	}
	settings, err := e.repo.GetSettings(ctx, sheet.CommunityID)
	if err != nil {
		return DiffReport{}, fmt.Errorf("load settings: %w", err)
	}
	cmp, err := e.compareLive(ctx, settings, sheet)
	if err != nil {
		return DiffReport{}, err
	}

	report := DiffReport{SheetID: sheet.ID, Changed: cmp.Changed, Sections: []SectionDiff{}}
	if !cmp.Changed {
		report.Message = "No diffs: content matches approved baseline."
		return report, nil
	}
	for i, key := range cmp.ChangedKeys {
		if settings.MaxSectionsToPost > 0 && i >= settings.MaxSectionsToPost {
			break
		}
		report.Sections = append(report.Sections, SectionDiff{
			Key:   key,
			Title: cmp.ChangedSections[i],
			Diff:  cmp.Diffs[key],
		})
	}
	report.Message = fmt.Sprintf("%d changed section(s): %s", len(cmp.ChangedKeys), strings.Join(cmp.ChangedSections, ", "))
	return report, nil
}

// AuditLog returns the newest audit entries of a sheet.
func (e *Engine) AuditLog(ctx context.Context, actor Actor, ref string, limit int) (store.Sheet, []store.AuditEntry, error) {
	sheet, err := e.LookupSheet(ctx, actor.CommunityID, ref)
	if err != nil {
		return store.Sheet{}, nil, err
	}
	if limit <= 0 {
		limit = store.DefaultAuditLimit
	}
	entries, err := e.repo.ListAudit(ctx, sheet.CommunityID, sheet.ID, limit)
	if err != nil {
		return sheet, nil, err
	}
	return sheet, entries, nil
}

// FormatAudit renders entries one per line.
func FormatAudit(entries []store.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit events found."
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		line := fmt.Sprintf("- %s: %s", entry.At.UTC().Format("2006-01-02 15:04 UTC"), entry.Kind)
		if id := entry.IncidentID(); id != "" {
			line += fmt.Sprintf(" (incident %s)", id)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
