// Package notify tells interested parties about lifecycle transitions.
// Notification is fire-and-forget: a failure here never undoes a transition.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
)

type EventType string

const (
	EventPublished EventType = "published"
	EventError     EventType = "error"
	EventExpired   EventType = "expired"
)

type Event struct {
	Type   EventType         `json:"type"`
	PostID string            `json:"post_id"`
	Title  string            `json:"title"`
	Status models.PostStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

// NewEvent builds an event from the post's state after the transition.
func NewEvent(t EventType, post *models.Post, at time.Time) Event {
	e := Event{Type: t, PostID: post.ID, Title: post.Title, Status: post.Status, At: at.UTC()}
	if post.ErrorMessage != nil {
		e.Error = *post.ErrorMessage
	}
	return e
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher is what the lifecycle side calls. It has no error to return.
type Dispatcher interface {
	Dispatch(event Event)
}

// Async fans each event out to every notifier on its own goroutine.
type Async struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewAsync(logger *zap.Logger, timeout time.Duration, notifiers ...Notifier) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{notifiers: notifiers, timeout: timeout, logger: logger}
}

func (a *Async) Dispatch(event Event) {
	for _, n := range a.notifiers {
		a.wg.Add(1)
		go func(n Notifier) {
			defer a.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("Notifier panicked", zap.String("post_id", event.PostID), zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			if err := n.Notify(ctx, event); err != nil {
				a.logger.Warn("Notification failed",
					zap.String("event", string(event.Type)),
					zap.String("post_id", event.PostID),
					zap.Error(err))
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Nop discards events.
type Nop struct{}

func (Nop) Dispatch(Event) {}
