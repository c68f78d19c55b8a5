package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	job   Job
	score int64
}

// MemoryStore mirrors RedisStore semantics in process memory. Jobs do not
// survive a restart, so it is only meant for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryEntry
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Upsert(_ context.Context, postID string, due time.Time, priority int) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(postID, due, priority), nil
}

func (s *MemoryStore) UpsertIf(_ context.Context, postID string, expect int64, due time.Time, priority int) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[postID]
	if expect == 0 && ok || expect != 0 && (!ok || e.job.Version != expect) {
		return Job{}, false, nil
	}
	return s.upsert(postID, due, priority), true, nil
}

func (s *MemoryStore) upsert(postID string, due time.Time, priority int) Job {
	s.seq++
	job := Job{
		PostID:   postID,
		DueAt:    fromMillis(toMillis(due)),
		Version:  s.seq,
		Priority: priority,
	}
	s.jobs[postID] = &memoryEntry{job: job, score: toMillis(due)}
	return job
}

func (s *MemoryStore) Remove(_ context.Context, postID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[postID]
	delete(s.jobs, postID)
	return ok, nil
}

func (s *MemoryStore) Get(_ context.Context, postID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[postID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job, nil
}

func (s *MemoryStore) sorted() []*memoryEntry {
	entries := make([]*memoryEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].job.PostID < entries[j].job.PostID
	})
	return entries
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := toMillis(now)
	var out []Job
	for _, e := range s.sorted() {
		if e.score > cutoff || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, e.job)
	}
	return out, nil
}

func (s *MemoryStore) Next(_ context.Context, n int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, e := range s.sorted() {
		if len(out) >= n {
			break
		}
		out = append(out, e.job)
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, job Job, now time.Time, lease time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[job.PostID]
	if !ok || e.job.Version != job.Version || e.score > toMillis(now) {
		return Claim{}, ErrClaimConflict
	}
	s.seq++
	leaseUntil := fromMillis(toMillis(now.Add(lease)))
	e.job.Version = s.seq
	e.job.Claims++
	e.job.LeaseUntil = leaseUntil
	e.score = toMillis(leaseUntil)
	return Claim{Job: e.job, Token: s.seq, LeaseUntil: leaseUntil}, nil
}

func (s *MemoryStore) Holds(_ context.Context, claim Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[claim.Job.PostID]
	return ok && e.job.Version == claim.Token, nil
}

func (s *MemoryStore) RemoveIf(_ context.Context, postID string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[postID]
	if !ok || e.job.Version != version {
		return false, nil
	}
	delete(s.jobs, postID)
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, claim Claim) (bool, error) {
	return s.RemoveIf(ctx, claim.Job.PostID, claim.Token)
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.jobs)), nil
}

func (s *MemoryStore) Close() error { return nil }
