// Package repository is the durable record of post state.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleState means the row no longer matches the change's precondition.
	ErrStaleState = errors.New("post state changed concurrently")
)

type ListFilter struct {
	Status models.PostStatus
	Limit  int
	Offset int
}

// PostRepository stores posts and their delivery ledger. Status is only ever
// written through Apply, which is conditioned on the change's prior state.
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	Get(ctx context.Context, id string) (*models.Post, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Post, error)
	Apply(ctx context.Context, change lifecycle.Change) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
	ListScheduled(ctx context.Context, limit, offset int) ([]*models.Post, error)
	CountByStatus(ctx context.Context) (map[models.PostStatus]int64, error)
	RecordDeliveries(ctx context.Context, deliveries []models.Delivery) error
	DeliveredDestinations(ctx context.Context, postID string) (map[string]bool, error)
	ListDeliveries(ctx context.Context, postID string) ([]models.Delivery, error)
}

// ErrorLogRepository stores operator-visible failure events.
type ErrorLogRepository interface {
	CreateErrorLog(ctx context.Context, entry *models.ErrorLog) error
	ListErrorLogs(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorLog, error)
	ResolveErrorLog(ctx context.Context, id uint, at time.Time) error
}

// Store is everything the service layer needs from persistence.
type Store interface {
	PostRepository
	ErrorLogRepository
}

const defaultListLimit = 50

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
