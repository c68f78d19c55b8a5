package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/metrics"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service/notify"
)

// JobCanceller removes a post's job.
type JobCanceller interface {
	Cancel(ctx context.Context, postID string) error
}

type ExpiryReport struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// ExpirySweeper retires scheduled and published posts whose expiry has passed.
type ExpirySweeper struct {
	posts      repository.PostRepository
	jobs       JobCanceller
	notifier   notify.Dispatcher
	monitoring *MonitoringService
	metrics    *metrics.Metrics
	now        Clock
	logger     *zap.Logger
	batch      int
}

func NewExpirySweeper(posts repository.PostRepository, jobs JobCanceller, notifier notify.Dispatcher, monitoring *MonitoringService, m *metrics.Metrics, batch int, now Clock, logger *zap.Logger) *ExpirySweeper {
	if batch <= 0 {
		batch = 100
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &ExpirySweeper{
		posts:      posts,
		jobs:       jobs,
		notifier:   notifier,
		monitoring: monitoring,
		metrics:    m,
		now:        orNow(now),
		logger:     logger,
		batch:      batch,
	}
}

func (s *ExpirySweeper) Run(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	now := s.now()

	for ctx.Err() == nil {
		posts, err := s.posts.ListExpired(ctx, now, s.batch)
		if err != nil {
			return report, err
		}
		progressed := 0
		for _, p := range posts {
			report.Scanned++
			if s.expire(ctx, p, &report) {
				progressed++
			}
		}
		// a batch where nothing moved would come back unchanged
		if len(posts) < s.batch || progressed == 0 {
			break
		}
	}

	if report.Expired > 0 {
		s.logger.Info("Expiry sweep completed",
			zap.Int("expired", report.Expired),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}

func (s *ExpirySweeper) expire(ctx context.Context, p *models.Post, report *ExpiryReport) bool {
	log := s.logger.With(zap.String("post_id", p.ID), zap.String("status", string(p.Status)))

	change, err := lifecycle.Expire(p, s.now())
	if err != nil {
		report.Skipped++
		log.Debug("Post not expirable", zap.Error(err))
		return false
	}
	if err := s.posts.Apply(ctx, change); err != nil {
		report.Skipped++
		if errors.Is(err, repository.ErrStaleState) || errors.Is(err, repository.ErrNotFound) {
			log.Info("Post changed before expiry, skipping")
		} else {
			log.Error("Failed to expire post", zap.Error(err))
		}
		return false
	}

	report.Expired++
	s.metrics.Expirations.Inc()
	log.Info("Post expired")

	if change.From == models.PostStatusScheduled {
		if err := s.jobs.Cancel(ctx, p.ID); err != nil {
			log.Error("Failed to cancel job of expired post", zap.Error(err))
			s.monitoring.RecordError(ctx, models.ErrorLevelWarn, "expiry", "Job cancel failed", err.Error(), WithPost(p.ID))
		} else {
			report.Cancelled++
		}
	}

	s.notifier.Dispatch(notify.NewEvent(notify.EventExpired, change.Next, s.now()))
	return true
}
