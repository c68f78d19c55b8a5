package service

import (
	"context"
	"testing"
	"time"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/notify"
)

func (h *harness) createExpiring(expiresIn time.Duration) *models.Post {
	h.t.Helper()
	expires := h.clock.Now().Add(expiresIn)
	p, err := h.posts.Create(context.Background(), CreatePostInput{
		Title:        "Flash sale",
		Destinations: []string{"stub:a"},
		ExpiresAt:    &expires,
	})
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return p
}

func TestExpiryRetiresPublishedPostOnce(t *testing.T) {
	h := newHarness(t)
	p := h.createExpiring(30 * time.Minute)
	h.schedule(p.ID, time.Minute)
	h.clock.Advance(time.Minute)
	h.sweep()

	h.clock.Advance(time.Hour)
	report, err := h.expiry.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Expired != 1 || report.Cancelled != 0 {
		t.Fatalf("report = %+v", report)
	}
	got := h.get(p.ID)
	if got.Status != models.PostStatusExpired || got.PublishedAt == nil {
		t.Fatalf("post = %s published_at=%v", got.Status, got.PublishedAt)
	}

	again, err := h.expiry.Run(context.Background())
	if err != nil || again.Expired != 0 {
		t.Fatalf("second run = %+v, %v", again, err)
	}
	if h.events.count(notify.EventExpired) != 1 {
		t.Fatal("expected exactly one expired event")
	}
}

func TestExpiryCancelsJobOfScheduledPost(t *testing.T) {
	h := newHarness(t)
	p := h.createExpiring(time.Minute)
	h.schedule(p.ID, time.Hour)
	h.clock.Advance(2 * time.Minute)

	report, err := h.expiry.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Expired != 1 || report.Cancelled != 1 {
		t.Fatalf("report = %+v", report)
	}
	if h.jobCount() != 0 {
		t.Fatal("job should be cancelled")
	}
	h.clock.Advance(time.Hour)
	if r := h.sweep(); r.Claimed != 0 || h.stub.calls() != 0 {
		t.Fatal("expired post was published")
	}
}

// A post that expires before it is due is published by the minute sweep
// first and expired by the hourly pass afterwards.
func TestSweepPublishesBeforeHourlyExpiry(t *testing.T) {
	h := newHarness(t)
	p := h.createExpiring(30 * time.Second)
	h.schedule(p.ID, time.Minute)

	h.clock.Advance(time.Minute)
	h.sweep()
	if got := h.get(p.ID); got.Status != models.PostStatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.expiry.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.get(p.ID); got.Status != models.PostStatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestExpiryIgnoresDrafts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.createExpiring(time.Minute)
	h.clock.Advance(time.Hour)
	report, err := h.expiry.Run(context.Background())
	if err != nil || report.Scanned != 0 {
		t.Fatalf("report = %+v, err = %v", report, err)
	}
	if h.get(p.ID).Status != models.PostStatusDraft {
		t.Fatal("draft must not expire")
	}
}
