package models

import "time"

const (
	ErrorLevelError = "ERROR"
	ErrorLevelWarn  = "WARN"
)

// ErrorLog is an operator-visible failure event.
type ErrorLog struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Level       string     `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source      string     `gorm:"size:100;not null;index" json:"source"` // executor, expiry, orchestrator
	PostID      *string    `gorm:"size:36;index" json:"post_id"`
	Destination string     `gorm:"size:500;index" json:"destination,omitempty"`
	Title       string     `gorm:"size:500;not null" json:"title"`
	Message     string     `gorm:"type:text;not null" json:"message"`
	Context     string     `gorm:"type:text" json:"context,omitempty"` // JSON
	Resolved    bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
