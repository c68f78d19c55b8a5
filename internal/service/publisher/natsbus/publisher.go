package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ifuryst/herald/internal/service/publisher"
)

const PlatformName = "nats"

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// Message is the JSON body published for a post.
type Message struct {
	PostID    string            `json:"post_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	MediaType string            `json:"media_type,omitempty"`
	MediaRef  string            `json:"media_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Publisher publishes posts to <prefix>.<target>.
type Publisher struct {
	conn   Conn
	prefix string
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (p *Publisher) GetPlatformName() string {
	return PlatformName
}

func (p *Publisher) Subject(target string) (string, error) {
	target = strings.Trim(target, ".")
	if target == "" || strings.ContainsAny(target, " \t\r\n*>") {
		return "", fmt.Errorf("invalid nats subject suffix %q", target)
	}
	if p.prefix == "" {
		return target, nil
	}
	return p.prefix + "." + target, nil
}

func (p *Publisher) Publish(ctx context.Context, target string, content publisher.PublishContent) (*publisher.PublishResult, error) {
	subject, err := p.Subject(target)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Message{
		PostID:    content.ID,
		Title:     content.Title,
		Content:   content.Content,
		MediaType: string(content.MediaType),
		MediaRef:  content.MediaRef,
		Metadata:  content.Metadata,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal nats message: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", subject, err)
	}
	// flush so a dead connection surfaces as a failure for this destination
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return nil, fmt.Errorf("flush %s: %w", subject, err)
	}
	return &publisher.PublishResult{
		Success:     true,
		PublishID:   subject,
		PublishedAt: time.Now().UTC(),
	}, nil
}
