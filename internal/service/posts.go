package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service/publisher"
)

// ErrInvalidInput wraps every validation failure of operator input.
var ErrInvalidInput = errors.New("invalid input")

type CreatePostInput struct {
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	MediaType    models.MediaType `json:"media_type"`
	MediaRef     string           `json:"media_ref"`
	Destinations []string         `json:"destinations"`
	Priority     int              `json:"priority"`
	ExpiresAt    *time.Time       `json:"expires_at"`
	CreatedBy    string           `json:"created_by"`
}

func (in CreatePostInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !in.MediaType.Valid() {
		return fmt.Errorf("%w: unsupported media type %q", ErrInvalidInput, in.MediaType)
	}
	if in.MediaType != models.MediaTypeNone && in.MediaRef == "" {
		return fmt.Errorf("%w: media_ref is required for media type %s", ErrInvalidInput, in.MediaType)
	}
	seen := make(map[string]bool, len(in.Destinations))
	for _, d := range in.Destinations {
		if _, _, err := publisher.ParseDestination(d); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if seen[d] {
			return fmt.Errorf("%w: duplicate destination %q", ErrInvalidInput, d)
		}
		seen[d] = true
	}
	return nil
}

// PostService is the authoring surface. Every status change goes through the
// lifecycle first, then the job store, then the post row.
type PostService struct {
	posts        repository.PostRepository
	orchestrator *Orchestrator
	now          Clock
	logger       *zap.Logger
}

func NewPostService(posts repository.PostRepository, orchestrator *Orchestrator, now Clock, logger *zap.Logger) *PostService {
	return &PostService{
		posts:        posts,
		orchestrator: orchestrator,
		now:          orNow(now),
		logger:       logger,
	}
}

func (s *PostService) Create(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	post := &models.Post{
		Title:        strings.TrimSpace(in.Title),
		Content:      in.Content,
		MediaType:    in.MediaType,
		MediaRef:     in.MediaRef,
		Destinations: models.StringArray(in.Destinations).Clone(),
		Status:       models.PostStatusDraft,
		Priority:     in.Priority,
		CreatedBy:    in.CreatedBy,
	}
	if in.ExpiresAt != nil {
		at := lifecycle.Normalize(*in.ExpiresAt)
		if !at.After(s.now()) {
			return nil, fmt.Errorf("%w: expires_at %s is not in the future", ErrInvalidInput, at.Format(time.RFC3339))
		}
		post.ExpiresAt = &at
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	s.logger.Info("Post created", zap.String("post_id", post.ID), zap.Strings("destinations", post.Destinations))
	return post, nil
}

func (s *PostService) Get(ctx context.Context, id string) (*models.Post, error) {
	return s.posts.Get(ctx, id)
}

func (s *PostService) List(ctx context.Context, filter repository.ListFilter) ([]*models.Post, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.posts.List(ctx, filter)
}

func (s *PostService) Deliveries(ctx context.Context, id string) ([]models.Delivery, error) {
	if _, err := s.posts.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.posts.ListDeliveries(ctx, id)
}

// Schedule moves a draft to scheduled.
func (s *PostService) Schedule(ctx context.Context, id string, at time.Time, priority *int) (*models.Post, error) {
	return s.schedule(ctx, id, at, priority, lifecycle.Schedule)
}

// Reschedule changes the due time of a scheduled post. The old time never fires.
func (s *PostService) Reschedule(ctx context.Context, id string, at time.Time, priority *int) (*models.Post, error) {
	return s.schedule(ctx, id, at, priority, lifecycle.Reschedule)
}

// Retry re-schedules a post that ended in error.
func (s *PostService) Retry(ctx context.Context, id string, at time.Time, priority *int) (*models.Post, error) {
	return s.schedule(ctx, id, at, priority, lifecycle.Retry)
}

type scheduleFunc func(p *models.Post, at, now time.Time) (lifecycle.Change, error)

func (s *PostService) schedule(ctx context.Context, id string, at time.Time, priority *int, transition scheduleFunc) (*models.Post, error) {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	change, err := transition(post, at, s.now())
	if err != nil {
		return nil, err
	}
	if priority != nil {
		change.Next.Priority = *priority
	}
	due := *change.Next.ScheduledAt
	log := s.logger.With(zap.String("post_id", id), zap.String("trigger", string(change.Trigger)))
	if lifecycle.ExpiresBeforeDue(change.Next, due) {
		log.Warn("Post expires before it is due; it will be published and then expired",
			zap.Time("due_at", due),
			zap.Timep("expires_at", change.Next.ExpiresAt))
	}

	prev, existed, err := s.orchestrator.lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	job, err := s.orchestrator.Schedule(ctx, id, due, change.Next.Priority)
	if err != nil {
		return nil, fmt.Errorf("write job: %w", err)
	}
	if err := s.posts.Apply(ctx, change); err != nil {
		s.rollback(ctx, log, prev, existed, job.Version)
		return nil, err
	}
	log.Info("Post scheduled", zap.Time("due_at", due), zap.Int("priority", change.Next.Priority))
	return change.Next, nil
}

// Cancel takes a scheduled post back to draft, or retires it as cancelled.
func (s *PostService) Cancel(ctx context.Context, id string, toDraft bool) (*models.Post, error) {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	target := models.PostStatusCancelled
	if toDraft {
		target = models.PostStatusDraft
	}
	change, err := lifecycle.Cancel(post, target)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("post_id", id), zap.String("target", string(target)))

	prev, existed, err := s.orchestrator.lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	if err := s.orchestrator.Cancel(ctx, id); err != nil {
		return nil, fmt.Errorf("remove job: %w", err)
	}
	if err := s.posts.Apply(ctx, change); err != nil {
		s.rollback(ctx, log, prev, existed, 0)
		return nil, err
	}
	log.Info("Post cancelled")
	return change.Next, nil
}

// rollback reverts this call's job write unless another writer has touched
// the job since. written is the version this call wrote, 0 for a removal.
func (s *PostService) rollback(ctx context.Context, log *zap.Logger, prev jobstore.Job, existed bool, written int64) {
	if written == 0 && existed {
		// a removed job only comes back while the post still expects it
		cur, err := s.posts.Get(ctx, prev.PostID)
		if err != nil || cur.Status != models.PostStatusScheduled || cur.ScheduledAt == nil || !cur.ScheduledAt.Equal(prev.DueAt) {
			log.Info("Post moved on concurrently, job not restored")
			return
		}
	}
	undone, err := s.orchestrator.undo(ctx, prev, existed, written)
	if err != nil {
		// reconcile repairs the job from the post row on its next pass
		log.Error("Failed to roll back job write", zap.Error(err))
		return
	}
	if !undone {
		log.Info("Job rewritten concurrently, rollback skipped")
		return
	}
	log.Info("Rolled back job write after post update failed")
}

func (s *PostService) Status(ctx context.Context, next int) (SchedulerStatus, error) {
	return s.orchestrator.Status(ctx, next)
}
