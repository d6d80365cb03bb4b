package watch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/store"
)

// RestorePending rebuilds the baseline queue after a restart from sheets
// that still lack a baseline.
func (e *Engine) RestorePending(ctx context.Context) (int, error) {
	if err := e.queue.Recover(ctx); err != nil {
		return 0, fmt.Errorf("recover queue: %w", err)
	}
	sheets, err := e.repo.ListPendingSheets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sheets: %w", err)
	}
	queued := 0
	for _, sheet := range sheets {
		ok, err := e.queue.Enqueue(ctx, sheet.ID)
		if err != nil {
			return queued, fmt.Errorf("enqueue %s: %w", sheet.ID, err)
		}
		if ok {
			queued++
		}
	}
	e.refreshQueueDepth(ctx)
	return queued, nil
}

// RunBaselineBatch drains one batch from the queue and captures a baseline
// for each sheet that still needs one. Failures are recorded on the sheet
// and never stop the batch.
func (e *Engine) RunBaselineBatch(ctx context.Context) (int, error) {
	ids, err := e.queue.Drain(ctx, e.cfg.BaselineBatch)
	if err != nil {
		return 0, fmt.Errorf("drain baseline queue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(e.cfg.BaselineConcurrency))
	var g errgroup.Group
	started := 0
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Stopping: put the rest back for the next tick or process.
			e.requeue(ids[started:])
			break
		}
		started++
		g.Go(func() error {
			defer sem.Release(1)
			work := context.WithoutCancel(ctx)
			delay := e.captureBaseline(work, id)
			if err := e.queue.Done(work, id); err != nil {
				e.log.Warn("release queued id failed", logger.String("sheet_id", id), logger.Err(err))
			}
			e.sleep(ctx, delay)
			return nil
		})
	}
	_ = g.Wait()
	e.refreshQueueDepth(ctx)
	return started, nil
}

func (e *Engine) requeue(ids []string) {
	ctx := context.Background()
	for _, id := range ids {
		_ = e.queue.Done(ctx, id)
		if _, err := e.queue.Enqueue(ctx, id); err != nil {
			e.log.Warn("requeue id failed", logger.String("sheet_id", id), logger.Err(err))
		}
	}
}

// captureBaseline returns the pacing delay to apply after the item.
func (e *Engine) captureBaseline(ctx context.Context, id string) time.Duration {
	sheet, err := e.repo.GetSheet(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			e.log.Error("load queued sheet failed", logger.String("sheet_id", id), logger.Err(err))
		}
		return e.cfg.BaselineDelay
	}
	delay := e.cfg.BaselineDelay
	if settings, err := e.repo.GetSettings(ctx, sheet.CommunityID); err == nil {
		delay = settings.PerSheetDelay()
	}
	if sheet.Approved != nil {
		return 0
	}

	snap, err := e.BuildSnapshot(ctx, sheet)
	if err != nil {
		e.recordFailure(ctx, sheet, fmt.Errorf("capture baseline: %w", err))
		return delay
	}
	if err := e.approve(ctx, sheet, store.SystemActor, snap); err != nil {
		e.recordFailure(ctx, sheet, fmt.Errorf("store baseline: %w", err))
		return delay
	}
	e.audit(ctx, sheet, store.AuditBaselineAutoApproved, map[string]any{"source_message_id": sheet.Source.MessageID})
	e.metrics.BaselineCreated()
	e.log.Info("baseline captured",
		logger.String("sheet_id", sheet.ID),
		logger.String("community_id", sheet.CommunityID),
		logger.Int("sections", len(snap.Sections)))
	return delay
}

// approve stores snap as the sheet's baseline and records it in history.
func (e *Engine) approve(ctx context.Context, sheet store.Sheet, approver string, snap store.Snapshot) error {
	if err := e.repo.ApproveBaseline(ctx, sheet.CommunityID, sheet.ID, approver, snap); err != nil {
		return err
	}
	if e.history != nil {
		snap.At = e.now()
		snap.By = approver
		if err := e.history.RecordBaseline(ctx, sheet, snap); err != nil {
			e.log.Warn("record baseline history failed", logger.String("sheet_id", sheet.ID), logger.Err(err))
		}
	}
	if e.indexer != nil {
		sheet.Approved = &snap
		if err := e.indexer.IndexSheet(ctx, sheet); err != nil {
			e.log.Warn("index sheet failed", logger.String("sheet_id", sheet.ID), logger.Err(err))
		}
	}
	return nil
}
