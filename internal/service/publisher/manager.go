package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
)

// Outcome is the result of one destination within a fan-out.
type Outcome struct {
	Destination string
	Kind        string
	Success     bool
	// Skipped is set when an earlier dispatch already delivered to this destination.
	Skipped   bool
	Error     string
	PublishID string
	Duration  time.Duration
}

// Lifecycle converts fan-out results into the state machine's outcome type.
func Lifecycle(outcomes []Outcome) []lifecycle.DestinationOutcome {
	out := make([]lifecycle.DestinationOutcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = lifecycle.DestinationOutcome{Destination: o.Destination, Success: o.Success, Error: o.Error}
	}
	return out
}

// Manager dispatches destination ids to the publisher registered for their kind.
type Manager struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	logger     *zap.Logger
	timeout    time.Duration
}

func NewPublishManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		publishers: make(map[string]Publisher),
		logger:     logger,
		timeout:    timeout,
	}
}

func (m *Manager) RegisterPublisher(publisher Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := publisher.GetPlatformName()
	if _, exists := m.publishers[kind]; exists {
		return fmt.Errorf("publisher for kind %s already registered", kind)
	}
	m.publishers[kind] = publisher
	m.logger.Info("Publisher registered", zap.String("kind", kind))
	return nil
}

func (m *Manager) GetPublisher(kind string) (Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	publisher, exists := m.publishers[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return publisher, nil
}

// Kinds lists the registered destination kinds.
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]string, 0, len(m.publishers))
	for kind := range m.publishers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// PublishAll publishes the post to every destination concurrently, each under
// its own timeout. Destinations in delivered count as successes without being
// sent again. The returned outcomes follow the post's destination order.
func (m *Manager) PublishAll(ctx context.Context, post *models.Post, delivered map[string]bool) []Outcome {
	content := FromPost(post)
	outcomes := make([]Outcome, len(post.Destinations))

	var wg sync.WaitGroup
	for i, dest := range post.Destinations {
		if delivered[dest] {
			kind, _, _ := ParseDestination(dest)
			outcomes[i] = Outcome{Destination: dest, Kind: kind, Success: true, Skipped: true}
			m.logger.Info("Destination already delivered, skipping",
				zap.String("post_id", post.ID),
				zap.String("destination", dest))
			continue
		}

		wg.Add(1)
		go func(i int, dest string) {
			defer wg.Done()
			outcomes[i] = m.publishOne(ctx, dest, content)
		}(i, dest)
	}
	wg.Wait()
	return outcomes
}

func (m *Manager) publishOne(ctx context.Context, dest string, content PublishContent) Outcome {
	started := time.Now()
	out := Outcome{Destination: dest}
	fail := func(err error) Outcome {
		out.Error = err.Error()
		out.Duration = time.Since(started)
		m.logger.Warn("Destination publish failed",
			zap.String("post_id", content.ID),
			zap.String("destination", dest),
			zap.Error(err))
		return out
	}

	kind, target, err := ParseDestination(dest)
	if err != nil {
		return fail(err)
	}
	out.Kind = kind

	publisher, err := m.GetPublisher(kind)
	if err != nil {
		return fail(err)
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type response struct {
		result *PublishResult
		err    error
	}
	done := make(chan response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- response{err: fmt.Errorf("publisher panic: %v", r)}
			}
		}()
		result, err := publisher.Publish(pctx, target, content)
		done <- response{result: result, err: err}
	}()

	var resp response
	select {
	case resp = <-done:
	case <-pctx.Done():
		return fail(fmt.Errorf("publish timed out after %s: %w", m.timeout, pctx.Err()))
	}

	if resp.err != nil {
		return fail(resp.err)
	}
	if resp.result == nil || !resp.result.Success {
		err := fmt.Errorf("publisher reported failure")
		if resp.result != nil && resp.result.Error != nil {
			err = resp.result.Error
		}
		return fail(err)
	}

	out.Success = true
	out.PublishID = resp.result.PublishID
	out.Duration = time.Since(started)
	m.logger.Info("Destination published",
		zap.String("post_id", content.ID),
		zap.String("destination", dest),
		zap.String("publish_id", out.PublishID),
		zap.Duration("duration", out.Duration))
	return out
}
