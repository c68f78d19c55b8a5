package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/metrics"
)

// StatsUpdater periodically refreshes the status gauges from the stores.
type StatsUpdater struct {
	orchestrator *Orchestrator
	metrics      *metrics.Metrics
	logger       *zap.Logger
	ticker       *time.Ticker
	done         chan bool
	stopOnce     sync.Once
}

// NewStatsUpdater creates a new stats updater
func NewStatsUpdater(orchestrator *Orchestrator, m *metrics.Metrics, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		orchestrator: orchestrator,
		metrics:      m,
		logger:       logger,
		ticker:       time.NewTicker(interval),
		done:         make(chan bool),
	}
}

// Start begins the periodic stats update process
func (s *StatsUpdater) Start(ctx context.Context) {
	go func() {
		s.logger.Info("Starting stats updater")
		s.updateStats(ctx)
		for {
			select {
			case <-s.done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-s.ticker.C:
				s.updateStats(ctx)
			}
		}
	}()
}

// Stop stops the stats updater
func (s *StatsUpdater) Stop() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
}

func (s *StatsUpdater) updateStats(ctx context.Context) {
	status, err := s.orchestrator.Status(ctx, 1)
	if err != nil {
		s.logger.Error("Failed to update statistics", zap.Error(err))
		return
	}
	for st, n := range status.Counts {
		s.metrics.PostsByStatus.WithLabelValues(string(st)).Set(float64(n))
	}
	s.metrics.JobsPending.Set(float64(status.JobsPending))
	s.logger.Debug("Statistics updated", zap.Int64("jobs_pending", status.JobsPending))
}
