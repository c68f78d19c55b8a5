package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/pkg/util"
)

const PlatformName = "webhook"

// Payload is the JSON body posted to a webhook destination.
type Payload struct {
	PostID    string            `json:"post_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	MediaType string            `json:"media_type,omitempty"`
	MediaRef  string            `json:"media_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Publisher posts JSON to the http(s) URL given as the destination target.
type Publisher struct {
	client  *http.Client
	headers map[string]string
}

func NewPublisher(timeout time.Duration, headers map[string]string) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

func (p *Publisher) GetPlatformName() string {
	return PlatformName
}

func (p *Publisher) Publish(ctx context.Context, target string, content publisher.PublishContent) (*publisher.PublishResult, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", target)
	}

	body, err := json.Marshal(Payload{
		PostID:    content.ID,
		Title:     content.Title,
		Content:   content.Content,
		MediaType: string(content.MediaType),
		MediaRef:  content.MediaRef,
		Metadata:  content.Metadata,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", content.ID)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, util.Truncate(string(snippet), 200))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &publisher.PublishResult{
		Success:     true,
		PublishID:   resp.Header.Get("X-Request-Id"),
		Metadata:    map[string]string{"status": resp.Status},
		PublishedAt: time.Now().UTC(),
	}, nil
}
