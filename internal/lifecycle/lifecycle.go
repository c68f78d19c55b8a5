// Package lifecycle holds the post state machine. Every function is pure: it
// validates a transition against the current post and returns the Change to
// persist, or an error without touching the post.
package lifecycle

import (
	"strings"
	"time"

	"github.com/ifuryst/herald/internal/models"
)

type Trigger string

const (
	TriggerSchedule   Trigger = "schedule"
	TriggerReschedule Trigger = "reschedule"
	TriggerCancel     Trigger = "cancel"
	TriggerDispatch   Trigger = "dispatch"
	TriggerFail       Trigger = "fail"
	TriggerExpire     Trigger = "expire"
	TriggerRetry      Trigger = "retry"
)

type edge struct {
	from models.PostStatus
	to   models.PostStatus
}

var table = map[edge]struct{}{
	{models.PostStatusDraft, models.PostStatusScheduled}:     {},
	{models.PostStatusScheduled, models.PostStatusScheduled}: {},
	{models.PostStatusScheduled, models.PostStatusDraft}:     {},
	{models.PostStatusScheduled, models.PostStatusCancelled}: {},
	{models.PostStatusScheduled, models.PostStatusPublished}: {},
	{models.PostStatusScheduled, models.PostStatusError}:     {},
	{models.PostStatusScheduled, models.PostStatusExpired}:   {},
	{models.PostStatusPublished, models.PostStatusExpired}:   {},
	{models.PostStatusError, models.PostStatusScheduled}:     {},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to models.PostStatus) bool {
	_, ok := table[edge{from, to}]
	return ok
}

// Change is a validated transition. Next is the full post after the change.
// The store must apply it only while the row still has status From and, when
// ExpectScheduledAt is set, the same scheduled_at.
type Change struct {
	Trigger           Trigger
	From              models.PostStatus
	Next              *models.Post
	ExpectScheduledAt *time.Time
}

func (c Change) PostID() string { return c.Next.ID }

func (c Change) To() models.PostStatus { return c.Next.Status }

func begin(p *models.Post, to models.PostStatus, trigger Trigger) (Change, error) {
	if !Allowed(p.Status, to) {
		return Change{}, reject(p.Status, to, trigger, "")
	}
	return Change{
		Trigger:           trigger,
		From:              p.Status,
		Next:              p.Clone(),
		ExpectScheduledAt: cloneTime(p.ScheduledAt),
	}, nil
}

func checkSchedule(p *models.Post, at, now time.Time) error {
	if !at.After(now) {
		return ErrAlreadyDue
	}
	if len(p.Destinations) == 0 {
		return ErrNoDestinations
	}
	return nil
}

func scheduleFrom(p *models.Post, from models.PostStatus, trigger Trigger, at, now time.Time) (Change, error) {
	if p.Status != from {
		return Change{}, reject(p.Status, models.PostStatusScheduled, trigger, "")
	}
	c, err := begin(p, models.PostStatusScheduled, trigger)
	if err != nil {
		return Change{}, err
	}
	at = Normalize(at)
	if err := checkSchedule(p, at, now); err != nil {
		return Change{}, err
	}
	c.Next.Status = models.PostStatusScheduled
	c.Next.ScheduledAt = &at
	c.Next.PublishedAt = nil
	return c, nil
}

// Schedule moves a draft to scheduled at the given time.
func Schedule(p *models.Post, at, now time.Time) (Change, error) {
	return scheduleFrom(p, models.PostStatusDraft, TriggerSchedule, at, now)
}

// Reschedule moves an already scheduled post to a new time.
func Reschedule(p *models.Post, at, now time.Time) (Change, error) {
	return scheduleFrom(p, models.PostStatusScheduled, TriggerReschedule, at, now)
}

// Retry is the operator re-schedule of a post in error.
func Retry(p *models.Post, at, now time.Time) (Change, error) {
	c, err := scheduleFrom(p, models.PostStatusError, TriggerRetry, at, now)
	if err != nil {
		return Change{}, err
	}
	c.Next.ErrorMessage = nil
	return c, nil
}

// Cancel takes a scheduled post back to draft or retires it as cancelled.
func Cancel(p *models.Post, target models.PostStatus) (Change, error) {
	if target != models.PostStatusDraft && target != models.PostStatusCancelled {
		return Change{}, reject(p.Status, target, TriggerCancel, "cancel target must be draft or cancelled")
	}
	if p.Status != models.PostStatusScheduled {
		return Change{}, reject(p.Status, target, TriggerCancel, "")
	}
	c, err := begin(p, target, TriggerCancel)
	if err != nil {
		return Change{}, err
	}
	c.Next.Status = target
	if target == models.PostStatusDraft {
		c.Next.ScheduledAt = nil
	}
	return c, nil
}

// Fail moves a scheduled post to error. The reason is mandatory.
func Fail(p *models.Post, reason string) (Change, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Change{}, reject(p.Status, models.PostStatusError, TriggerFail, "empty failure reason")
	}
	if p.Status != models.PostStatusScheduled {
		return Change{}, reject(p.Status, models.PostStatusError, TriggerFail, "")
	}
	c, err := begin(p, models.PostStatusError, TriggerFail)
	if err != nil {
		return Change{}, err
	}
	c.Next.Status = models.PostStatusError
	c.Next.ErrorMessage = &reason
	return c, nil
}

// Expire retires a scheduled or published post whose display window has passed.
func Expire(p *models.Post, now time.Time) (Change, error) {
	if p.Status != models.PostStatusScheduled && p.Status != models.PostStatusPublished {
		return Change{}, reject(p.Status, models.PostStatusExpired, TriggerExpire, "")
	}
	if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
		return Change{}, reject(p.Status, models.PostStatusExpired, TriggerExpire, "expiry time has not passed")
	}
	c, err := begin(p, models.PostStatusExpired, TriggerExpire)
	if err != nil {
		return Change{}, err
	}
	c.Next.Status = models.PostStatusExpired
	return c, nil
}

// Normalize truncates a schedule time to the millisecond precision shared by
// the job store and both SQL dialects, so equality checks survive a round trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ExpiresBeforeDue reports a misconfigured window where expiry is not after the due time.
func ExpiresBeforeDue(p *models.Post, at time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(at)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
