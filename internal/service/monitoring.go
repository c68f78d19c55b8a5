package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
)

// MonitoringService keeps the operator-visible error log.
type MonitoringService struct {
	store  repository.ErrorLogRepository
	logger *zap.Logger
	now    Clock
}

func NewMonitoringService(store repository.ErrorLogRepository, logger *zap.Logger, now Clock) *MonitoringService {
	return &MonitoringService{
		store:  store,
		logger: logger,
		now:    orNow(now),
	}
}

// RecordError stores an error event. A storage failure is logged, never returned,
// so callers on the dispatch path are not disturbed by it.
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	if err := m.store.CreateErrorLog(ctx, errorLog); err != nil {
		m.logger.Error("Failed to record error log",
			zap.String("source", source),
			zap.String("title", title),
			zap.Error(err))
	}
}

func (m *MonitoringService) ListErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorLog, error) {
	return m.store.ListErrorLogs(ctx, unresolvedOnly, limit)
}

func (m *MonitoringService) Resolve(ctx context.Context, id uint) error {
	return m.store.ResolveErrorLog(ctx, id, m.now())
}

type ErrorLogOption func(*models.ErrorLog)

func WithPost(postID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PostID = &postID
	}
}

func WithDestination(destination string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Destination = destination
	}
}

func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// Clock returns the current time. Nil means time.Now.
type Clock func() time.Time

func orNow(c Clock) Clock {
	if c == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return c
}
