package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/metrics"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service/notify"
	"github.com/ifuryst/herald/internal/service/publisher"
)

// ErrStaleClaim means a later claim superseded this one before it could commit.
var ErrStaleClaim = errors.New("claim superseded")

const (
	OutcomePublished = "published"
	OutcomePartial   = "partial"
	OutcomeError     = "error"
	OutcomeAborted   = "aborted"
	OutcomeMissing   = "missing"
	OutcomeConflict  = "conflict"
)

// Fanout publishes one post to all of its destinations.
type Fanout interface {
	PublishAll(ctx context.Context, post *models.Post, delivered map[string]bool) []publisher.Outcome
}

// ClaimChecker tells whether a claim is still the current one.
type ClaimChecker interface {
	Holds(ctx context.Context, claim jobstore.Claim) (bool, error)
}

type ExecutionReport struct {
	PostID   string              `json:"post_id"`
	Outcome  string              `json:"outcome"`
	Summary  lifecycle.Summary   `json:"summary"`
	Outcomes []publisher.Outcome `json:"outcomes,omitempty"`
	Status   models.PostStatus   `json:"status,omitempty"`
}

// Executor turns one claimed post into per-destination publishes and folds
// the results into a single lifecycle transition.
type Executor struct {
	posts      repository.PostRepository
	claims     ClaimChecker
	fanout     Fanout
	notifier   notify.Dispatcher
	monitoring *MonitoringService
	metrics    *metrics.Metrics
	now        Clock
	logger     *zap.Logger
}

func NewExecutor(posts repository.PostRepository, claims ClaimChecker, fanout Fanout, notifier notify.Dispatcher, monitoring *MonitoringService, m *metrics.Metrics, now Clock, logger *zap.Logger) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		posts:      posts,
		claims:     claims,
		fanout:     fanout,
		notifier:   notifier,
		monitoring: monitoring,
		metrics:    m,
		now:        orNow(now),
		logger:     logger,
	}
}

// Execute returns an error only when the claim should be left to lapse and
// be retried, or when it was superseded (ErrStaleClaim).
func (e *Executor) Execute(ctx context.Context, claim jobstore.Claim) (ExecutionReport, error) {
	started := time.Now()
	report := ExecutionReport{PostID: claim.Job.PostID}
	log := e.logger.With(zap.String("post_id", claim.Job.PostID), zap.Int64("token", claim.Token))

	post, err := e.posts.Get(ctx, claim.Job.PostID)
	if errors.Is(err, repository.ErrNotFound) {
		e.invariantViolation(ctx, claim.Job.PostID, "job references a post that does not exist")
		report.Outcome = OutcomeMissing
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("load post %s: %w", claim.Job.PostID, err)
	}

	if post.Status != models.PostStatusScheduled || post.ScheduledAt == nil || !post.ScheduledAt.Equal(claim.Job.DueAt) {
		log.Info("Post no longer due as claimed, aborting",
			zap.String("status", string(post.Status)),
			zap.Time("claimed_due", claim.Job.DueAt))
		e.metrics.ObserveDispatch(OutcomeAborted, started)
		report.Outcome = OutcomeAborted
		report.Status = post.Status
		return report, nil
	}

	var change lifecycle.Change
	if len(post.Destinations) == 0 {
		change, err = lifecycle.Fail(post, lifecycle.ErrNoDestinations.Error())
		report.Summary = lifecycle.Summary{Result: lifecycle.ResultNone}
	} else {
		delivered, derr := e.posts.DeliveredDestinations(ctx, post.ID)
		if derr != nil {
			return report, fmt.Errorf("load delivery ledger for %s: %w", post.ID, derr)
		}
		report.Outcomes = e.fanout.PublishAll(ctx, post, delivered)
		e.record(ctx, post, claim, report.Outcomes)
		change, report.Summary, err = lifecycle.Dispatched(post, publisher.Lifecycle(report.Outcomes), e.now())
	}
	if err != nil {
		return report, fmt.Errorf("fold outcomes for %s: %w", post.ID, err)
	}

	holds, err := e.claims.Holds(ctx, claim)
	if err != nil {
		return report, fmt.Errorf("check claim for %s: %w", post.ID, err)
	}
	if !holds {
		return report, ErrStaleClaim
	}

	if err := e.posts.Apply(ctx, change); err != nil {
		switch {
		case errors.Is(err, repository.ErrStaleState):
			log.Info("Post changed during dispatch, discarding result")
			e.metrics.ObserveDispatch(OutcomeConflict, started)
			report.Outcome = OutcomeConflict
			return report, nil
		case errors.Is(err, repository.ErrNotFound):
			e.invariantViolation(ctx, post.ID, "post disappeared during dispatch")
			report.Outcome = OutcomeMissing
			return report, nil
		default:
			return report, fmt.Errorf("commit dispatch of %s: %w", post.ID, err)
		}
	}

	report.Status = change.To()
	report.Outcome = string(report.Summary.Result)
	e.metrics.ObserveDispatch(report.Outcome, started)

	switch change.To() {
	case models.PostStatusPublished:
		log.Info("Post published",
			zap.String("result", string(report.Summary.Result)),
			zap.Int("succeeded", report.Summary.Succeeded),
			zap.Int("failed", report.Summary.Failed))
		e.notifier.Dispatch(notify.NewEvent(notify.EventPublished, change.Next, e.now()))
	case models.PostStatusError:
		reason := ""
		if change.Next.ErrorMessage != nil {
			reason = *change.Next.ErrorMessage
		}
		log.Warn("Post dispatch failed", zap.String("reason", reason))
		e.monitoring.RecordError(ctx, models.ErrorLevelError, "executor", "Publication failed", reason, WithPost(post.ID))
		e.notifier.Dispatch(notify.NewEvent(notify.EventError, change.Next, e.now()))
	}
	return report, nil
}

func (e *Executor) record(ctx context.Context, post *models.Post, claim jobstore.Claim, outcomes []publisher.Outcome) {
	at := e.now()
	deliveries := make([]models.Delivery, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		result := "success"
		if !o.Success {
			result = "failure"
			e.monitoring.RecordError(ctx, models.ErrorLevelWarn, "executor", "Destination publish failed", o.Error,
				WithPost(post.ID),
				WithDestination(o.Destination),
				WithContext(map[string]interface{}{"token": claim.Token, "claims": claim.Job.Claims}))
		}
		kind := o.Kind
		if kind == "" {
			kind = "unknown"
		}
		e.metrics.DestinationPublish.WithLabelValues(kind, result).Inc()
		deliveries = append(deliveries, models.Delivery{
			PostID:      post.ID,
			Destination: o.Destination,
			Success:     o.Success,
			Error:       o.Error,
			ExternalRef: o.PublishID,
			Token:       claim.Token,
			AttemptedAt: at,
		})
	}
	if err := e.posts.RecordDeliveries(ctx, deliveries); err != nil {
		e.logger.Error("Failed to record deliveries", zap.String("post_id", post.ID), zap.Error(err))
	}
}

func (e *Executor) invariantViolation(ctx context.Context, postID, message string) {
	e.metrics.InvariantViolations.Inc()
	e.logger.Error("Invariant violation", zap.String("post_id", postID), zap.String("detail", message))
	e.monitoring.RecordError(ctx, models.ErrorLevelError, "executor", "Invariant violation", message, WithPost(postID))
}
