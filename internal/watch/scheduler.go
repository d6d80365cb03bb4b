package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nattyright/grail-kun/internal/logger"
)

type SchedulerConfig struct {
	BaselineTick  time.Duration
	ReconcileTick time.Duration
}

// Scheduler drives the baseline worker and the reconciliation loop. A tick
// that is still running when the next one fires is skipped.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	recov  cron.JobWrapper
	cfg    SchedulerConfig
	log    logger.Logger

	// reconcileMu keeps the startup pass and the first cron tick apart.
	reconcileMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.BaselineTick <= 0 {
		cfg.BaselineTick = 30 * time.Second
	}
	if cfg.ReconcileTick <= 0 {
		cfg.ReconcileTick = time.Minute
	}
	cl := cronLogger{log: engine.log}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		log:    engine.log,
		recov:  cron.Recover(cl),
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Start rebuilds the baseline queue, registers both drivers and starts the
// cron loop. The first reconciliation runs right away for communities that
// are already due.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if n, err := s.engine.RestorePending(s.ctx); err != nil {
		s.log.Error("restore pending baselines failed", logger.Err(err))
	} else if n > 0 {
		s.log.Info("pending baselines restored", logger.Int("queued", n))
	}

	if _, err := s.cron.AddFunc(every(s.cfg.BaselineTick), s.baselineTick); err != nil {
		return fmt.Errorf("schedule baseline worker: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.cfg.ReconcileTick), s.reconcileTick); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	s.cron.Start()
	go s.recov(cron.FuncJob(s.reconcileTick)).Run()
	s.log.Info("scheduler started",
		logger.Duration("baseline_tick", s.cfg.BaselineTick),
		logger.Duration("reconcile_tick", s.cfg.ReconcileTick))
	return nil
}

// Stop signals the drivers and waits for running ticks to finish their
// current item, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	stopped := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.reconcileMu.Lock()
		s.reconcileMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Scheduler) baselineTick() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.engine.RunBaselineBatch(s.ctx); err != nil {
		s.log.Error("baseline tick failed", logger.Err(err))
	}
}

func (s *Scheduler) reconcileTick() {
	if s.ctx.Err() != nil || !s.reconcileMu.TryLock() {
		return
	}
	defer s.reconcileMu.Unlock()
	if _, err := s.engine.RunDuePasses(s.ctx); err != nil {
		s.log.Error("reconciliation tick failed", logger.Err(err))
	}
}

type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, logger.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, logger.Err(err), logger.Any("details", keysAndValues))
}
