package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ifuryst/herald/internal/models"
)

var (
	ErrMalformedDestination = errors.New("malformed destination id")
	ErrUnknownKind          = errors.New("no publisher registered for destination kind")
)

// PublishContent represents the content to be published
type PublishContent struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	MediaType models.MediaType  `json:"media_type,omitempty"`
	MediaRef  string            `json:"media_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PublishResult represents the result of a publish operation
type PublishResult struct {
	Success     bool              `json:"success"`
	PublishID   string            `json:"publish_id,omitempty"`
	Error       error             `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// Publisher delivers content to one destination kind. target is the part of
// the destination id after the "kind:" prefix.
type Publisher interface {
	GetPlatformName() string
	Publish(ctx context.Context, target string, content PublishContent) (*PublishResult, error)
}

// ParseDestination splits a destination id of the form kind:target.
func ParseDestination(id string) (kind, target string, err error) {
	kind, target, ok := strings.Cut(strings.TrimSpace(id), ":")
	kind = strings.ToLower(strings.TrimSpace(kind))
	target = strings.TrimSpace(target)
	if !ok || kind == "" || target == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedDestination, id)
	}
	return kind, target, nil
}

// FromPost converts a Post to PublishContent
func FromPost(post *models.Post) PublishContent {
	metadata := map[string]string{
		"post_id": post.ID,
	}
	if post.CreatedBy != "" {
		metadata["created_by"] = post.CreatedBy
	}
	if post.ScheduledAt != nil {
		metadata["scheduled_at"] = post.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return PublishContent{
		ID:        post.ID,
		Title:     post.Title,
		Content:   post.Content,
		MediaType: post.MediaType,
		MediaRef:  post.MediaRef,
		Metadata:  metadata,
	}
}
