package models

import "time"

// Delivery records one publish attempt of a post to a single destination.
// A successful row is also the dedupe key that stops a re-dispatched post from sending twice.
type Delivery struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PostID      string    `gorm:"size:36;not null;index:idx_deliveries_post_destination,priority:1" json:"post_id"`
	Destination string    `gorm:"size:500;not null;index:idx_deliveries_post_destination,priority:2" json:"destination"`
	Success     bool      `gorm:"not null;default:false" json:"success"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	ExternalRef string    `gorm:"size:255" json:"external_ref,omitempty"`
	Token       int64     `gorm:"not null;default:0" json:"token"`
	AttemptedAt time.Time `gorm:"not null" json:"attempted_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
