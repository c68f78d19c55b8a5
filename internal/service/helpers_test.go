package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/metrics"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service/notify"
	"github.com/ifuryst/herald/internal/service/publisher"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubPublisher fails every target listed in failing.
type stubPublisher struct {
	kind    string
	failing map[string]bool
	mu      sync.Mutex
	sent    map[string]int
	total   int32
}

func newStubPublisher(kind string, failing ...string) *stubPublisher {
	s := &stubPublisher{kind: kind, failing: map[string]bool{}, sent: map[string]int{}}
	for _, f := range failing {
		s.failing[f] = true
	}
	return s
}

func (s *stubPublisher) GetPlatformName() string { return s.kind }

func (s *stubPublisher) Publish(_ context.Context, target string, content publisher.PublishContent) (*publisher.PublishResult, error) {
	atomic.AddInt32(&s.total, 1)
	s.mu.Lock()
	s.sent[target]++
	s.mu.Unlock()
	if s.failing[target] {
		return nil, errors.New("upstream rejected")
	}
	return &publisher.PublishResult{Success: true, PublishID: content.ID + "@" + target}, nil
}

func (s *stubPublisher) count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[target]
}

func (s *stubPublisher) calls() int {
	return int(atomic.LoadInt32(&s.total))
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Dispatch(e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	repo       *repository.MemoryRepository
	jobs       *jobstore.MemoryStore
	stub       *stubPublisher
	manager    *publisher.Manager
	metrics    *metrics.Metrics
	monitoring *MonitoringService
	events     *recorder
	executor   *Executor
	orch       *Orchestrator
	expiry     *ExpirySweeper
	posts      *PostService
}

func newHarness(t *testing.T, failing ...string) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &fakeClock{t: epoch},
		repo:   repository.NewMemoryRepository(),
		jobs:   jobstore.NewMemoryStore(),
		stub:   newStubPublisher("stub", failing...),
		events: &recorder{},
	}
	logger := zap.NewNop()
	h.metrics = metrics.New()
	h.manager = publisher.NewPublishManager(logger, time.Second)
	if err := h.manager.RegisterPublisher(h.stub); err != nil {
		t.Fatalf("RegisterPublisher: %v", err)
	}
	h.monitoring = NewMonitoringService(h.repo, logger, h.clock.Now)
	h.executor = NewExecutor(h.repo, h.jobs, h.manager, h.events, h.monitoring, h.metrics, h.clock.Now, logger)
	h.orch = h.newOrchestrator()
	h.expiry = NewExpirySweeper(h.repo, h.orch, h.events, h.monitoring, h.metrics, 10, h.clock.Now, logger)
	h.posts = NewPostService(h.repo, h.orch, h.clock.Now, logger)
	return h
}

func (h *harness) newOrchestrator() *Orchestrator {
	return NewOrchestrator(h.jobs, h.repo, h.executor, OrchestratorConfig{
		ClaimTimeout: 5 * time.Minute,
		BatchSize:    10,
		Concurrency:  4,
	}, h.clock.Now, zap.NewNop(), h.metrics)
}

func (h *harness) createPost(destinations ...string) *models.Post {
	h.t.Helper()
	p, err := h.posts.Create(context.Background(), CreatePostInput{
		Title:        "Launch",
		Content:      "We are live",
		Destinations: destinations,
	})
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return p
}

func (h *harness) schedule(id string, in time.Duration) *models.Post {
	h.t.Helper()
	p, err := h.posts.Schedule(context.Background(), id, h.clock.Now().Add(in), nil)
	if err != nil {
		h.t.Fatalf("Schedule: %v", err)
	}
	return p
}

// sweep runs one sweep and waits for its dispatches.
func (h *harness) sweep() SweepReport {
	h.t.Helper()
	report, err := h.orch.RunSweep(context.Background())
	if err != nil {
		h.t.Fatalf("RunSweep: %v", err)
	}
	h.orch.Wait()
	return report
}

func (h *harness) get(id string) *models.Post {
	h.t.Helper()
	p, err := h.repo.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get(%s): %v", id, err)
	}
	return p
}

func (h *harness) jobCount() int64 {
	h.t.Helper()
	n, err := h.jobs.Count(context.Background())
	if err != nil {
		h.t.Fatalf("Count: %v", err)
	}
	return n
}
