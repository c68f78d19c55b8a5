package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPublished PostStatus = "published"
	PostStatusExpired   PostStatus = "expired"
	PostStatusCancelled PostStatus = "cancelled"
	PostStatusError     PostStatus = "error"
)

// AllPostStatuses lists every status in lifecycle order.
var AllPostStatuses = []PostStatus{
	PostStatusDraft,
	PostStatusScheduled,
	PostStatusPublished,
	PostStatusExpired,
	PostStatusCancelled,
	PostStatusError,
}

func (s PostStatus) Valid() bool {
	for _, v := range AllPostStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible without operator action.
func (s PostStatus) Terminal() bool {
	switch s {
	case PostStatusPublished, PostStatusExpired, PostStatusCancelled, PostStatusError:
		return true
	}
	return false
}

type MediaType string

const (
	MediaTypeNone      MediaType = ""
	MediaTypePhoto     MediaType = "photo"
	MediaTypeVideo     MediaType = "video"
	MediaTypeDocument  MediaType = "document"
	MediaTypeAnimation MediaType = "animation"
)

func (m MediaType) Valid() bool {
	switch m {
	case MediaTypeNone, MediaTypePhoto, MediaTypeVideo, MediaTypeDocument, MediaTypeAnimation:
		return true
	}
	return false
}

// Post is the unit of schedulable content.
type Post struct {
	ID           string      `gorm:"primaryKey;size:36" json:"id"`
	Title        string      `gorm:"not null;size:500" json:"title"`
	Content      string      `gorm:"type:text" json:"content"`
	MediaType    MediaType   `gorm:"size:20" json:"media_type,omitempty"`
	MediaRef     string      `gorm:"size:500" json:"media_ref,omitempty"`
	Destinations StringArray `gorm:"type:text" json:"destinations"`
	Status       PostStatus  `gorm:"size:20;not null;default:'draft';index:idx_posts_status_scheduled,priority:1;index:idx_posts_status_expires,priority:1" json:"status"`
	Priority     int         `gorm:"not null;default:0" json:"priority"`
	ScheduledAt  *time.Time  `gorm:"index:idx_posts_status_scheduled,priority:2" json:"scheduled_at"`
	PublishedAt  *time.Time  `json:"published_at"`
	ExpiresAt    *time.Time  `gorm:"index:idx_posts_status_expires,priority:2" json:"expires_at"`
	ErrorMessage *string     `gorm:"type:text" json:"error_message"`
	CreatedBy    string      `gorm:"size:100" json:"created_by,omitempty"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Post) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it freely.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	c := *p
	c.Destinations = p.Destinations.Clone()
	c.ScheduledAt = cloneTime(p.ScheduledAt)
	c.PublishedAt = cloneTime(p.PublishedAt)
	c.ExpiresAt = cloneTime(p.ExpiresAt)
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
