// Package jobstore keeps the restart-surviving registry of "post X is due at T".
//
// Every job carries a version minted from a store-wide counter. A claim is a
// compare-and-swap on that version: it mints a fresh version (the fencing
// token) and pushes the job's eligibility out to the end of the lease, so an
// unfinished claim resurfaces on its own once the lease lapses.
package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClaimConflict means another sweep claimed, rescheduled or removed the job first.
	ErrClaimConflict = errors.New("job claim conflict")
	ErrNotFound      = errors.New("job not found")
)

type Job struct {
	PostID   string    `json:"post_id"`
	DueAt    time.Time `json:"due_at"`
	Version  int64     `json:"version"`
	Priority int       `json:"priority"`
	// Claims counts how many times the job has been claimed since it was last scheduled.
	Claims     int       `json:"claims"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

// Claimed reports whether an unexpired or lapsed claim exists on the job.
func (j Job) Claimed() bool {
	return !j.LeaseUntil.IsZero()
}

// Claim is a fenced hold on a job. Token is the version the claim minted.
type Claim struct {
	Job        Job
	Token      int64
	LeaseUntil time.Time
}

type Store interface {
	// Upsert creates or re-keys the job for a post in one atomic step.
	Upsert(ctx context.Context, postID string, due time.Time, priority int) (Job, error)
	// UpsertIf is Upsert applied only while the job's version equals expect.
	// An expect of 0 requires the job to be absent.
	UpsertIf(ctx context.Context, postID string, expect int64, due time.Time, priority int) (Job, bool, error)
	// Remove deletes the job if present. Absence is not an error.
	Remove(ctx context.Context, postID string) (bool, error)
	// RemoveIf deletes the job only while its version equals version.
	RemoveIf(ctx context.Context, postID string, version int64) (bool, error)
	Get(ctx context.Context, postID string) (Job, error)
	// Due returns up to limit jobs eligible at now, ordered by eligibility.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Claim takes the job if its version is still the one read by Due.
	Claim(ctx context.Context, job Job, now time.Time, lease time.Duration) (Claim, error)
	// Holds reports whether the claim is still the job's current version.
	Holds(ctx context.Context, claim Claim) (bool, error)
	// Complete removes the job only if the claim still holds.
	Complete(ctx context.Context, claim Claim) (bool, error)
	// Next returns the n jobs that become eligible soonest.
	Next(ctx context.Context, n int) ([]Job, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
