package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
)

// NewDatabase opens the configured SQL database and migrates the schema.
func NewDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
			cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, cfg.SSLMode, cfg.TimeZone)
		dialector = postgres.Open(dsn)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Post{},
		&models.Delivery{},
		&models.ErrorLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, post *models.Post) error {
	if err := r.db.WithContext(ctx).Create(post).Error; err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return &post, nil
}

func (r *GormRepository) List(ctx context.Context, filter ListFilter) ([]*models.Post, error) {
	q := r.db.WithContext(ctx).Model(&models.Post{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var posts []*models.Post
	if err := q.Order("created_at DESC").Order("id").
		Limit(listLimit(filter.Limit)).
		Offset(filter.Offset).
		Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// Apply writes a lifecycle change as a single conditional UPDATE.
func (r *GormRepository) Apply(ctx context.Context, change lifecycle.Change) error {
	next := change.Next
	q := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ?", next.ID, change.From)
	if change.ExpectScheduledAt != nil {
		q = q.Where("scheduled_at = ?", *change.ExpectScheduledAt)
	} else {
		q = q.Where("scheduled_at IS NULL")
	}

	res := q.Updates(map[string]interface{}{
		"status":        next.Status,
		"scheduled_at":  next.ScheduledAt,
		"published_at":  next.PublishedAt,
		"error_message": next.ErrorMessage,
		"priority":      next.Priority,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("apply %s to post %s: %w", change.Trigger, next.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", next.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("apply %s to post %s: %w", change.Trigger, next.ID, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return nil
}

func (r *GormRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []models.PostStatus{models.PostStatusScheduled, models.PostStatusPublished}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at").Order("id").
		Limit(listLimit(limit)).
		Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list expired posts: %w", err)
	}
	return posts, nil
}

func (r *GormRepository) ListScheduled(ctx context.Context, limit, offset int) ([]*models.Post, error) {
	var posts []*models.Post
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.PostStatusScheduled).
		Order("scheduled_at").Order("id").
		Limit(listLimit(limit)).
		Offset(offset).
		Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list scheduled posts: %w", err)
	}
	return posts, nil
}

func (r *GormRepository) CountByStatus(ctx context.Context) (map[models.PostStatus]int64, error) {
	var rows []struct {
		Status models.PostStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Post{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count posts by status: %w", err)
	}
	counts := make(map[models.PostStatus]int64, len(models.AllPostStatuses))
	for _, s := range models.AllPostStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *GormRepository) RecordDeliveries(ctx context.Context, deliveries []models.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&deliveries).Error; err != nil {
		return fmt.Errorf("record deliveries: %w", err)
	}
	return nil
}

func (r *GormRepository) DeliveredDestinations(ctx context.Context, postID string) (map[string]bool, error) {
	var destinations []string
	if err := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("post_id = ? AND success = ?", postID, true).
		Distinct().
		Pluck("destination", &destinations).Error; err != nil {
		return nil, fmt.Errorf("delivered destinations for %s: %w", postID, err)
	}
	out := make(map[string]bool, len(destinations))
	for _, d := range destinations {
		out[d] = true
	}
	return out, nil
}

func (r *GormRepository) ListDeliveries(ctx context.Context, postID string) ([]models.Delivery, error) {
	var deliveries []models.Delivery
	if err := r.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("attempted_at").Order("id").
		Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", postID, err)
	}
	return deliveries, nil
}

func (r *GormRepository) CreateErrorLog(ctx context.Context, entry *models.ErrorLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormRepository) ListErrorLogs(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorLog, error) {
	q := r.db.WithContext(ctx).Model(&models.ErrorLog{})
	if unresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	var logs []models.ErrorLog
	if err := q.Order("created_at DESC").Limit(listLimit(limit)).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	return logs, nil
}

func (r *GormRepository) ResolveErrorLog(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": at})
	if res.Error != nil {
		return fmt.Errorf("resolve error log %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
