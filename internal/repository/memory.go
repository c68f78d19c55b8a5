package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
)

// MemoryRepository keeps everything in process memory. It backs the
// "memory" database type and the service tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	posts      map[string]*models.Post
	deliveries []models.Delivery
	errorLogs  []models.ErrorLog
	nextID     uint
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		posts: make(map[string]*models.Post),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Create(_ context.Context, post *models.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = models.PostStatusDraft
	}
	now := r.now()
	post.CreatedAt = now
	post.UpdatedAt = now
	r.posts[post.ID] = post.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*models.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Post
	for _, p := range r.posts {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, listLimit(filter.Limit), filter.Offset), nil
}

func (r *MemoryRepository) Apply(_ context.Context, change lifecycle.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := change.Next
	cur, ok := r.posts[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != change.From || !sameTime(cur.ScheduledAt, change.ExpectScheduledAt) {
		return ErrStaleState
	}

	updated := cur.Clone()
	updated.Status = next.Status
	updated.ScheduledAt = cloneTime(next.ScheduledAt)
	updated.PublishedAt = cloneTime(next.PublishedAt)
	updated.ErrorMessage = nil
	if next.ErrorMessage != nil {
		msg := *next.ErrorMessage
		updated.ErrorMessage = &msg
	}
	updated.Priority = next.Priority
	updated.UpdatedAt = r.now()
	r.posts[next.ID] = updated
	return nil
}

func (r *MemoryRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Post
	for _, p := range r.posts {
		if p.Status != models.PostStatusScheduled && p.Status != models.PostStatusPublished {
			continue
		}
		if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, listLimit(limit), 0), nil
}

func (r *MemoryRepository) ListScheduled(_ context.Context, limit, offset int) ([]*models.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Post
	for _, p := range r.posts {
		if p.Status == models.PostStatusScheduled {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ScheduledAt, out[j].ScheduledAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, listLimit(limit), offset), nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context) (map[models.PostStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.PostStatus]int64, len(models.AllPostStatuses))
	for _, s := range models.AllPostStatuses {
		counts[s] = 0
	}
	for _, p := range r.posts {
		counts[p.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) RecordDeliveries(_ context.Context, deliveries []models.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range deliveries {
		r.nextID++
		d.ID = r.nextID
		d.CreatedAt = r.now()
		r.deliveries = append(r.deliveries, d)
	}
	return nil
}

func (r *MemoryRepository) DeliveredDestinations(_ context.Context, postID string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool)
	for _, d := range r.deliveries {
		if d.PostID == postID && d.Success {
			out[d.Destination] = true
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListDeliveries(_ context.Context, postID string) ([]models.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Delivery
	for _, d := range r.deliveries {
		if d.PostID == postID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateErrorLog(_ context.Context, entry *models.ErrorLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry.ID = r.nextID
	entry.CreatedAt = r.now()
	entry.UpdatedAt = entry.CreatedAt
	r.errorLogs = append(r.errorLogs, *entry)
	return nil
}

func (r *MemoryRepository) ListErrorLogs(_ context.Context, unresolvedOnly bool, limit int) ([]models.ErrorLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = listLimit(limit)
	var out []models.ErrorLog
	for i := len(r.errorLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if unresolvedOnly && r.errorLogs[i].Resolved {
			continue
		}
		out = append(out, r.errorLogs[i])
	}
	return out, nil
}

func (r *MemoryRepository) ResolveErrorLog(_ context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.errorLogs {
		if r.errorLogs[i].ID == id {
			r.errorLogs[i].Resolved = true
			r.errorLogs[i].ResolvedAt = &at
			r.errorLogs[i].UpdatedAt = r.now()
			return nil
		}
	}
	return ErrNotFound
}

func page(posts []*models.Post, limit, offset int) []*models.Post {
	if offset >= len(posts) {
		return nil
	}
	posts = posts[offset:]
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
