package jobstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:jobs")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(t *testing.T) Store {
	return NewMemoryStore()
}

var factories = map[string]storeFactory{
	"redis":  newRedisStore,
	"memory": newMemoryStore,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range factories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, factory(t))
		})
	}
}

func TestUpsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.Upsert(ctx, "p1", t0.Add(time.Minute), 3)
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := s.Get(ctx, "p1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != job.Version || !got.DueAt.Equal(t0.Add(time.Minute)) || got.Priority != 3 || got.Claimed() {
			t.Fatalf("Get = %+v, want %+v", got, job)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get missing error = %v", err)
		}
		n, _ := s.Count(ctx)
		if n != 1 {
			t.Fatalf("Count = %d, want 1", n)
		}
	})
}

func TestVersionsIncrease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.Upsert(ctx, "a", t0, 0)
		b, _ := s.Upsert(ctx, "b", t0, 0)
		a2, _ := s.Upsert(ctx, "a", t0.Add(time.Second), 0)
		if !(a.Version < b.Version && b.Version < a2.Version) {
			t.Fatalf("versions not increasing: %d %d %d", a.Version, b.Version, a2.Version)
		}
		n, _ := s.Count(ctx)
		if n != 2 {
			t.Fatalf("Count = %d, want 2 (one live job per post)", n)
		}
	})
}

func TestDueOnlyReturnsEligible(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Upsert(ctx, "late", t0.Add(time.Hour), 0)
		s.Upsert(ctx, "b", t0.Add(-time.Minute), 0)
		s.Upsert(ctx, "a", t0.Add(-2*time.Minute), 0)
		s.Upsert(ctx, "now", t0, 0)

		due, err := s.Due(ctx, t0, 10)
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		var ids []string
		for _, j := range due {
			ids = append(ids, j.PostID)
		}
		if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "now" {
			t.Fatalf("Due ids = %v", ids)
		}
		limited, _ := s.Due(ctx, t0, 1)
		if len(limited) != 1 {
			t.Fatalf("Due limit: got %d", len(limited))
		}
	})
}

func TestRemoveIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Upsert(ctx, "p", t0, 0)
		removed, err := s.Remove(ctx, "p")
		if err != nil || !removed {
			t.Fatalf("Remove = %v, %v", removed, err)
		}
		removed, err = s.Remove(ctx, "p")
		if err != nil || removed {
			t.Fatalf("second Remove = %v, %v", removed, err)
		}
		due, _ := s.Due(ctx, t0.Add(time.Hour), 10)
		if len(due) != 0 {
			t.Fatalf("removed job still due: %+v", due)
		}
	})
}

func TestClaimCompleteLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Upsert(ctx, "p", t0, 0)
		due, _ := s.Due(ctx, t0, 10)
		claim, err := s.Claim(ctx, due[0], t0, 5*time.Minute)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if claim.Token <= due[0].Version || !claim.LeaseUntil.Equal(t0.Add(5*time.Minute)) {
			t.Fatalf("claim = %+v", claim)
		}
		if !claim.Job.DueAt.Equal(t0) {
			t.Fatalf("claim lost the original due time: %v", claim.Job.DueAt)
		}

		// a claimed job is invisible until its lease lapses
		if again, _ := s.Due(ctx, t0.Add(time.Minute), 10); len(again) != 0 {
			t.Fatalf("claimed job still due: %+v", again)
		}
		if _, err := s.Claim(ctx, due[0], t0, time.Minute); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("re-claim with stale version error = %v", err)
		}

		holds, _ := s.Holds(ctx, claim)
		if !holds {
			t.Fatal("fresh claim should hold")
		}
		done, err := s.Complete(ctx, claim)
		if err != nil || !done {
			t.Fatalf("Complete = %v, %v", done, err)
		}
		if n, _ := s.Count(ctx); n != 0 {
			t.Fatalf("Count after complete = %d", n)
		}
		holds, _ = s.Holds(ctx, claim)
		if holds {
			t.Fatal("completed claim should not hold")
		}
	})
}

func TestClaimNotYetDueConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, _ := s.Upsert(ctx, "p", t0.Add(time.Minute), 0)
		if _, err := s.Claim(ctx, job, t0, time.Minute); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("early claim error = %v, want ErrClaimConflict", err)
		}
	})
}

func TestStaleClaimIsReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		lease := 5 * time.Minute
		s.Upsert(ctx, "r", t0, 0)
		due, _ := s.Due(ctx, t0, 10)
		first, err := s.Claim(ctx, due[0], t0, lease)
		if err != nil {
			t.Fatalf("first Claim: %v", err)
		}

		later := t0.Add(lease + time.Second)
		due, _ = s.Due(ctx, later, 10)
		if len(due) != 1 || due[0].Claims != 1 {
			t.Fatalf("lapsed claim not resurfaced: %+v", due)
		}
		second, err := s.Claim(ctx, due[0], later, lease)
		if err != nil {
			t.Fatalf("second Claim: %v", err)
		}
		if second.Job.Claims != 2 || !second.Job.DueAt.Equal(t0) {
			t.Fatalf("second claim job = %+v", second.Job)
		}

		if holds, _ := s.Holds(ctx, first); holds {
			t.Fatal("superseded claim still holds")
		}
		if done, _ := s.Complete(ctx, first); done {
			t.Fatal("superseded claim completed the job")
		}
		if done, _ := s.Complete(ctx, second); !done {
			t.Fatal("current claim failed to complete")
		}
	})
}

func TestRescheduleInvalidatesOldVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, _ := s.Upsert(ctx, "p", t0, 0)
		s.Upsert(ctx, "p", t0.Add(time.Hour), 0)

		if due, _ := s.Due(ctx, t0.Add(time.Minute), 10); len(due) != 0 {
			t.Fatalf("old due time still fires: %+v", due)
		}
		if _, err := s.Claim(ctx, old, t0.Add(2*time.Hour), time.Minute); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("claim with pre-reschedule version error = %v", err)
		}
	})
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Upsert(ctx, "race", t0, 0)
		due, _ := s.Due(ctx, t0, 10)

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Claim(ctx, due[0], t0, time.Minute)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrClaimConflict):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("Claim: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 || conflicts != 19 {
			t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
		}
	})
}

func TestNextOrdersBySoonest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Upsert(ctx, "c", t0.Add(3*time.Minute), 0)
		s.Upsert(ctx, "a", t0.Add(time.Minute), 0)
		s.Upsert(ctx, "b", t0.Add(2*time.Minute), 0)
		next, err := s.Next(ctx, 2)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(next) != 2 || next[0].PostID != "a" || next[1].PostID != "b" {
			t.Fatalf("Next = %+v", next)
		}
	})
}

func TestUpsertIfIsFencedOnVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, ok, err := s.UpsertIf(ctx, "p1", 0, t0.Add(time.Minute), 1)
		if err != nil || !ok {
			t.Fatalf("UpsertIf on absent job = %v, %v", ok, err)
		}
		if _, ok, _ := s.UpsertIf(ctx, "p1", 0, t0.Add(time.Hour), 1); ok {
			t.Fatal("UpsertIf with expect 0 overwrote an existing job")
		}

		newer, _ := s.Upsert(ctx, "p1", t0.Add(2*time.Minute), 1)
		if _, ok, _ := s.UpsertIf(ctx, "p1", created.Version, t0.Add(time.Hour), 1); ok {
			t.Fatal("UpsertIf with a superseded version succeeded")
		}
		got, _ := s.Get(ctx, "p1")
		if got.Version != newer.Version || !got.DueAt.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("job changed by rejected UpsertIf: %+v", got)
		}

		moved, ok, err := s.UpsertIf(ctx, "p1", newer.Version, t0.Add(3*time.Minute), 4)
		if err != nil || !ok || moved.Version <= newer.Version {
			t.Fatalf("UpsertIf on current version = %+v, %v, %v", moved, ok, err)
		}
		due, _ := s.Due(ctx, t0.Add(3*time.Minute), 10)
		if len(due) != 1 || due[0].Priority != 4 {
			t.Fatalf("Due after UpsertIf = %+v", due)
		}
	})
}

func TestRemoveIfIsFencedOnVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, _ := s.Upsert(ctx, "p1", t0, 0)
		cur, _ := s.Upsert(ctx, "p1", t0.Add(time.Minute), 0)

		if removed, err := s.RemoveIf(ctx, "p1", old.Version); err != nil || removed {
			t.Fatalf("RemoveIf stale version = %v, %v", removed, err)
		}
		if n, _ := s.Count(ctx); n != 1 {
			t.Fatal("stale RemoveIf deleted the job")
		}
		if removed, err := s.RemoveIf(ctx, "p1", cur.Version); err != nil || !removed {
			t.Fatalf("RemoveIf current version = %v, %v", removed, err)
		}
		if due, _ := s.Due(ctx, t0.Add(time.Hour), 10); len(due) != 0 {
			t.Fatalf("removed job still due: %+v", due)
		}
		if removed, _ := s.RemoveIf(ctx, "p1", cur.Version); removed {
			t.Fatal("RemoveIf on absent job reported removal")
		}
	})
}
