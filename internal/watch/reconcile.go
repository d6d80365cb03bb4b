package watch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/metrics"
	"github.com/nattyright/grail-kun/internal/store"
)

// PassReport counts the outcomes of one reconciliation pass.
type PassReport struct {
	CommunityID string `json:"community_id"`
	Checked     int    `json:"checked"`
	Unchanged   int    `json:"unchanged"`
	Opened      int    `json:"opened"`
	Repeats     int    `json:"repeats"`
	Reverted    int    `json:"reverted"`
	Errors      int    `json:"errors"`
}

func (r *PassReport) add(outcome string) {
	r.Checked++
	switch outcome {
	case metrics.OutcomeUnchanged:
		r.Unchanged++
	case metrics.OutcomeChanged:
		r.Opened++
	case metrics.OutcomeRepeat:
		r.Repeats++
	case metrics.OutcomeReverted:
		r.Reverted++
	case metrics.OutcomeError:
		r.Errors++
	}
}

func shuffleSheets(items []store.Sheet) {
	rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}

// RunDuePasses reconciles every community whose check interval has elapsed.
// The scan time is recorded before the pass so a crash mid-pass does not
// cause an immediate rerun on restart.
func (e *Engine) RunDuePasses(ctx context.Context) ([]PassReport, error) {
	communities, err := e.repo.ListCommunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	var reports []PassReport
	for _, communityID := range communities {
		if ctx.Err() != nil {
			return reports, nil
		}
		settings, err := e.repo.GetSettings(ctx, communityID)
		if err != nil {
			e.log.Error("load settings failed", logger.String("community_id", communityID), logger.Err(err))
			continue
		}
		now := e.now()
		if now.Before(settings.DueAt()) {
			continue
		}
		if err := e.repo.SetLastScan(ctx, communityID, now); err != nil {
			e.log.Error("record scan time failed", logger.String("community_id", communityID), logger.Err(err))
			continue
		}
		report, err := e.reconcile(ctx, settings)
		if err != nil {
			e.log.Error("reconciliation pass failed", logger.String("community_id", communityID), logger.Err(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Reconcile runs one pass over a community's approved sheets now, regardless
// of its schedule.
func (e *Engine) Reconcile(ctx context.Context, communityID string) (PassReport, error) {
	settings, err := e.repo.GetSettings(ctx, communityID)
	if err != nil {
		return PassReport{}, fmt.Errorf("load settings: %w", err)
	}
	return e.reconcile(ctx, settings)
}

func (e *Engine) reconcile(ctx context.Context, settings store.Settings) (PassReport, error) {
	report := PassReport{CommunityID: settings.CommunityID}
	sheets, err := e.repo.ListApprovedSheets(ctx, settings.CommunityID)
	if err != nil {
		return report, fmt.Errorf("list approved sheets: %w", err)
	}
	e.shuffle(sheets)

	limit := settings.MaxConcurrentChecks
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, sheet := range sheets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcome := e.checkSheet(context.WithoutCancel(ctx), settings, sheet)
			e.metrics.CheckOutcome(outcome)
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			e.sleep(ctx, settings.PerSheetDelay())
			return nil
		})
	}
	_ = g.Wait()
	e.log.Info("reconciliation pass finished",
		logger.String("community_id", settings.CommunityID),
		logger.Int("checked", report.Checked),
		logger.Int("opened", report.Opened),
		logger.Int("reverted", report.Reverted),
		logger.Int("errors", report.Errors))
	return report, nil
}

// checkSheet applies the drift policy to one sheet and returns its outcome.
// Any failure is recorded on the sheet.
func (e *Engine) checkSheet(ctx context.Context, settings store.Settings, sheet store.Sheet) string {
	outcome, err := e.applyPolicy(ctx, settings, sheet)
	if err != nil {
		e.recordFailure(ctx, sheet, err)
		return metrics.OutcomeError
	}
	return outcome
}

func (e *Engine) applyPolicy(ctx context.Context, settings store.Settings, sheet store.Sheet) (string, error) {
	cmp, err := e.compareLive(ctx, settings, sheet)
	if err != nil {
		return "", err
	}
	if err := e.repo.SetLatest(ctx, sheet.ID, cmp.Current); err != nil {
		return "", err
	}

	switch {
	case !cmp.Changed && sheet.IsQuarantined():
		if err := e.resolveReverted(ctx, sheet, store.SystemActor, NoteReverted); err != nil {
			return "", err
		}
		return metrics.OutcomeReverted, nil
	case !cmp.Changed:
		return metrics.OutcomeUnchanged, nil
	case sheet.IsQuarantined():
		if err := e.repo.UpdateQuarantineRepeat(ctx, sheet.ID, cmp.Current.GlobalHash); err != nil {
			return "", err
		}
		if sheet.Quarantine != nil {
			e.refreshAlert(ctx, sheet.Quarantine.IncidentID)
		}
		return metrics.OutcomeRepeat, nil
	default:
		if _, _, err := e.OpenIncident(ctx, settings, sheet, cmp); err != nil {
			return "", err
		}
		return metrics.OutcomeChanged, nil
	}
}
