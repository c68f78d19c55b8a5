package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
)

func TestCreateValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tests := []struct {
		name string
		in   CreatePostInput
	}{
		{name: "missing title", in: CreatePostInput{Destinations: []string{"stub:a"}}},
		{name: "malformed destination", in: CreatePostInput{Title: "x", Destinations: []string{"stub"}}},
		{name: "duplicate destination", in: CreatePostInput{Title: "x", Destinations: []string{"stub:a", "stub:a"}}},
		{name: "unknown media", in: CreatePostInput{Title: "x", MediaType: "hologram", MediaRef: "x"}},
		{name: "media without ref", in: CreatePostInput{Title: "x", MediaType: models.MediaTypePhoto}},
	}
	for _, tt := range tests {
		if _, err := h.posts.Create(context.Background(), tt.in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", tt.name, err)
		}
	}
}

func TestCreateStartsAsDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	if p.ID == "" || p.Status != models.PostStatusDraft {
		t.Fatalf("post = %+v", p)
	}
	if h.jobCount() != 0 {
		t.Fatal("draft must not have a job")
	}
}

func TestScheduleAlreadyDueLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	for _, at := range []time.Time{h.clock.Now(), h.clock.Now().Add(-time.Minute)} {
		if _, err := h.posts.Schedule(context.Background(), p.ID, at, nil); !errors.Is(err, lifecycle.ErrAlreadyDue) {
			t.Fatalf("Schedule(%v) error = %v, want ErrAlreadyDue", at, err)
		}
	}
	if got := h.get(p.ID); got.Status != models.PostStatusDraft || got.ScheduledAt != nil {
		t.Fatalf("post mutated: %+v", got)
	}
	if h.jobCount() != 0 {
		t.Fatal("job written for already-due schedule")
	}
}

func TestScheduleWithoutDestinationsFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost()
	if _, err := h.posts.Schedule(context.Background(), p.ID, h.clock.Now().Add(time.Minute), nil); !errors.Is(err, lifecycle.ErrNoDestinations) {
		t.Fatalf("error = %v, want ErrNoDestinations", err)
	}
}

func TestScheduleInvalidTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	h.schedule(p.ID, time.Minute)
	_, err := h.posts.Schedule(context.Background(), p.ID, h.clock.Now().Add(time.Hour), nil)
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.posts.Schedule(context.Background(), "nope", h.clock.Now().Add(time.Hour), nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestScheduleSetsPriorityAndJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	prio := 7
	got, err := h.posts.Schedule(context.Background(), p.ID, h.clock.Now().Add(90*time.Second), &prio)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	job, err := h.jobs.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.Priority != 7 || !job.DueAt.Equal(*got.ScheduledAt) {
		t.Fatalf("job = %+v, post scheduled_at = %v", job, got.ScheduledAt)
	}
}

func TestCancelToDraftClearsSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	h.schedule(p.ID, time.Minute)
	got, err := h.posts.Cancel(context.Background(), p.ID, true)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.PostStatusDraft || got.ScheduledAt != nil {
		t.Fatalf("post = %+v", got)
	}
	if h.jobCount() != 0 {
		t.Fatal("job should be removed")
	}
	// a draft can be scheduled again
	h.schedule(p.ID, time.Hour)
}

func TestRetryAfterError(t *testing.T) {
	h := newHarness(t, "a")
	p := h.createPost("stub:a")
	h.schedule(p.ID, time.Minute)
	h.clock.Advance(time.Minute)
	h.sweep()
	if h.get(p.ID).Status != models.PostStatusError {
		t.Fatal("expected error status")
	}

	h.stub.failing = map[string]bool{}
	got, err := h.posts.Retry(context.Background(), p.ID, h.clock.Now().Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != models.PostStatusScheduled || got.ErrorMessage != nil {
		t.Fatalf("post = %+v", got)
	}
	h.clock.Advance(time.Minute)
	h.sweep()
	if h.get(p.ID).Status != models.PostStatusPublished {
		t.Fatal("retry should publish")
	}
}

type failingApply struct {
	*repository.MemoryRepository
}

func (failingApply) Apply(context.Context, lifecycle.Change) error {
	return errors.New("database unavailable")
}

func TestScheduleRollsBackJobWhenPostWriteFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	svc := NewPostService(failingApply{h.repo}, h.orch, h.clock.Now, zap.NewNop())

	if _, err := svc.Schedule(context.Background(), p.ID, h.clock.Now().Add(time.Minute), nil); err == nil {
		t.Fatal("expected error")
	}
	if h.jobCount() != 0 {
		t.Fatal("job write was not rolled back")
	}
}

func TestCancelRollsBackJobWhenPostWriteFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createPost("stub:a")
	scheduled := h.schedule(p.ID, time.Minute)
	svc := NewPostService(failingApply{h.repo}, h.orch, h.clock.Now, zap.NewNop())

	if _, err := svc.Cancel(context.Background(), p.ID, false); err == nil {
		t.Fatal("expected error")
	}
	job, err := h.jobs.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("job not restored: %v", err)
	}
	if !job.DueAt.Equal(*scheduled.ScheduledAt) {
		t.Fatalf("restored due = %v, want %v", job.DueAt, scheduled.ScheduledAt)
	}
}

// interleavingStore runs a hook once, right after the next Upsert or Remove,
// to let a second writer slip in between the job write and the post write.
type interleavingStore struct {
	*jobstore.MemoryStore
	afterUpsert func()
	afterRemove func()
}

func (s *interleavingStore) Upsert(ctx context.Context, postID string, due time.Time, priority int) (jobstore.Job, error) {
	job, err := s.MemoryStore.Upsert(ctx, postID, due, priority)
	if hook := s.afterUpsert; hook != nil && err == nil {
		s.afterUpsert = nil
		hook()
	}
	return job, err
}

func (s *interleavingStore) Remove(ctx context.Context, postID string) (bool, error) {
	removed, err := s.MemoryStore.Remove(ctx, postID)
	if hook := s.afterRemove; hook != nil && err == nil {
		s.afterRemove = nil
		hook()
	}
	return removed, err
}

func newInterleavedService(h *harness) (*PostService, *interleavingStore) {
	store := &interleavingStore{MemoryStore: h.jobs}
	orch := NewOrchestrator(store, h.repo, h.executor, OrchestratorConfig{
		ClaimTimeout: 5 * time.Minute,
		BatchSize:    10,
		Concurrency:  4,
	}, h.clock.Now, zap.NewNop(), h.metrics)
	return NewPostService(h.repo, orch, h.clock.Now, zap.NewNop()), store
}

func TestConcurrentScheduleKeepsWinnersJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.createPost("stub:a")
	svc, store := newInterleavedService(h)

	store.afterUpsert = func() {
		if _, err := svc.Schedule(ctx, p.ID, h.clock.Now().Add(2*time.Minute), nil); err != nil {
			t.Errorf("inner Schedule: %v", err)
		}
	}
	if _, err := svc.Schedule(ctx, p.ID, h.clock.Now().Add(time.Minute), nil); !errors.Is(err, repository.ErrStaleState) {
		t.Fatalf("outer Schedule error = %v, want ErrStaleState", err)
	}

	got := h.get(p.ID)
	if got.Status != models.PostStatusScheduled || !got.ScheduledAt.Equal(epoch.Add(2*time.Minute)) {
		t.Fatalf("post = %s %v", got.Status, got.ScheduledAt)
	}
	job, err := h.jobs.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("winner's job was removed by the loser's rollback: %v", err)
	}
	if !job.DueAt.Equal(*got.ScheduledAt) {
		t.Fatalf("job due = %v, want %v", job.DueAt, got.ScheduledAt)
	}
}

func TestCancelRollbackKeepsConcurrentReschedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.createPost("stub:a")
	svc, store := newInterleavedService(h)
	if _, err := svc.Schedule(ctx, p.ID, h.clock.Now().Add(time.Minute), nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	store.afterRemove = func() {
		if _, err := svc.Reschedule(ctx, p.ID, h.clock.Now().Add(3*time.Minute), nil); err != nil {
			t.Errorf("inner Reschedule: %v", err)
		}
	}
	if _, err := svc.Cancel(ctx, p.ID, false); !errors.Is(err, repository.ErrStaleState) {
		t.Fatalf("Cancel error = %v, want ErrStaleState", err)
	}

	got := h.get(p.ID)
	if got.Status != models.PostStatusScheduled || !got.ScheduledAt.Equal(epoch.Add(3*time.Minute)) {
		t.Fatalf("post = %s %v", got.Status, got.ScheduledAt)
	}
	job, err := h.jobs.Get(ctx, p.ID)
	if err != nil || !job.DueAt.Equal(*got.ScheduledAt) {
		t.Fatalf("job = %+v, err = %v, want due %v", job, err, got.ScheduledAt)
	}
	if h.jobCount() != 1 {
		t.Fatalf("jobs = %d", h.jobCount())
	}
}

func TestCancelRollbackSkipsWhenPostNoLongerScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	p := h.createPost("stub:a")
	svc, store := newInterleavedService(h)
	if _, err := svc.Schedule(ctx, p.ID, h.clock.Now().Add(time.Minute), nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	store.afterRemove = func() {
		if _, err := svc.Cancel(ctx, p.ID, true); err != nil {
			t.Errorf("inner Cancel: %v", err)
		}
	}
	if _, err := svc.Cancel(ctx, p.ID, false); !errors.Is(err, repository.ErrStaleState) {
		t.Fatalf("outer Cancel error = %v, want ErrStaleState", err)
	}

	if got := h.get(p.ID); got.Status != models.PostStatusDraft || got.ScheduledAt != nil {
		t.Fatalf("post = %s %v", got.Status, got.ScheduledAt)
	}
	if h.jobCount() != 0 {
		t.Fatal("rollback resurrected a job for a draft post")
	}
}

func TestCreateRejectsPastExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, at := range []time.Time{h.clock.Now(), h.clock.Now().Add(-time.Hour)} {
		_, err := h.posts.Create(context.Background(), CreatePostInput{
			Title:        "stale",
			Destinations: []string{"stub:a"},
			ExpiresAt:    &at,
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Create(expires %v) error = %v, want ErrInvalidInput", at, err)
		}
	}
	posts, err := h.posts.List(context.Background(), repository.ListFilter{})
	if err != nil || len(posts) != 0 {
		t.Fatalf("posts = %d, err = %v", len(posts), err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.posts.List(context.Background(), repository.ListFilter{Status: "archived"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v", err)
	}
}
