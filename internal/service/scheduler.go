package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type SchedulerIntervals struct {
	Sweep     time.Duration
	Expiry    time.Duration
	Reconcile time.Duration
}

// Scheduler drives the sweep, expiry and reconcile loops. Overlapping runs of
// the same loop are skipped, never queued.
type Scheduler struct {
	orchestrator *Orchestrator
	expiry       *ExpirySweeper
	intervals    SchedulerIntervals
	logger       *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	initial sync.WaitGroup
}

func NewScheduler(orchestrator *Orchestrator, expiry *ExpirySweeper, intervals SchedulerIntervals, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		expiry:       expiry,
		intervals:    intervals,
		logger:       logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	cronLogger := &cronLogger{logger: s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	s.cron.Schedule(cron.Every(s.intervals.Sweep), cron.FuncJob(s.runSweep))
	s.cron.Schedule(cron.Every(s.intervals.Expiry), cron.FuncJob(s.runExpiry))
	s.cron.Schedule(cron.Every(s.intervals.Reconcile), cron.FuncJob(s.runReconcile))

	s.logger.Info("Starting scheduler",
		zap.Duration("sweep_interval", s.intervals.Sweep),
		zap.Duration("expiry_interval", s.intervals.Expiry),
		zap.Duration("reconcile_interval", s.intervals.Reconcile))

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.logger.Info("Running initial reconcile and sweep")
		s.runReconcile()
		s.runSweep()
	}()
	s.cron.Start()
	return nil
}

// Stop halts the loops and waits for running loops and dispatches. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || s.cron == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.cancel()
	s.initial.Wait()
	s.orchestrator.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runSweep() {
	start := time.Now()
	report, err := s.orchestrator.RunSweep(s.ctx)
	if err != nil {
		s.logger.Error("Sweep failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	if report.Claimed > 0 {
		s.logger.Debug("Sweep dispatched jobs", zap.Strings("post_ids", report.PostIDs))
	}
}

func (s *Scheduler) runExpiry() {
	start := time.Now()
	if _, err := s.expiry.Run(s.ctx); err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
	}
}

func (s *Scheduler) runReconcile() {
	if _, err := s.orchestrator.Reconcile(s.ctx); err != nil {
		s.logger.Error("Reconcile failed", zap.Error(err))
	}
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
