package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/metrics"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
)

// ClaimExecutor runs one claimed job. It must not be called without a claim.
type ClaimExecutor interface {
	Execute(ctx context.Context, claim jobstore.Claim) (ExecutionReport, error)
}

type OrchestratorConfig struct {
	ClaimTimeout time.Duration
	BatchSize    int
	Concurrency  int
	NextPreview  int
}

type SweepReport struct {
	Due       int      `json:"due"`
	Claimed   int      `json:"claimed"`
	Conflicts int      `json:"conflicts"`
	Errors    int      `json:"errors"`
	PostIDs   []string `json:"post_ids,omitempty"`
}

type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Restored int `json:"restored"`
}

type SchedulerStatus struct {
	Counts      map[models.PostStatus]int64 `json:"counts"`
	JobsPending int64                       `json:"jobs_pending"`
	Next        []jobstore.Job              `json:"next"`
}

// Orchestrator is the only writer of the job store. It decides what is due,
// claims it, and hands each claim to the executor.
type Orchestrator struct {
	jobs     jobstore.Store
	posts    repository.PostRepository
	executor ClaimExecutor
	cfg      OrchestratorConfig
	now      Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewOrchestrator(jobs jobstore.Store, posts repository.PostRepository, executor ClaimExecutor, cfg OrchestratorConfig, now Clock, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.NextPreview <= 0 {
		cfg.NextPreview = 10
	}
	return &Orchestrator{
		jobs:     jobs,
		posts:    posts,
		executor: executor,
		cfg:      cfg,
		now:      orNow(now),
		logger:   logger,
		metrics:  m,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Schedule registers the job for a post. The due time must be in the future.
func (o *Orchestrator) Schedule(ctx context.Context, postID string, at time.Time, priority int) (jobstore.Job, error) {
	if !at.After(o.now()) {
		return jobstore.Job{}, lifecycle.ErrAlreadyDue
	}
	job, err := o.jobs.Upsert(ctx, postID, at, priority)
	if err != nil {
		return jobstore.Job{}, err
	}
	o.logger.Info("Job scheduled",
		zap.String("post_id", postID),
		zap.Time("due_at", job.DueAt),
		zap.Int64("version", job.Version))
	return job, nil
}

// Reschedule re-keys the job in one step so the old due time can no longer fire.
func (o *Orchestrator) Reschedule(ctx context.Context, postID string, at time.Time, priority int) (jobstore.Job, error) {
	return o.Schedule(ctx, postID, at, priority)
}

// Cancel removes the job if present. Absence is not an error.
func (o *Orchestrator) Cancel(ctx context.Context, postID string) error {
	removed, err := o.jobs.Remove(ctx, postID)
	if err != nil {
		return err
	}
	if removed {
		o.logger.Info("Job cancelled", zap.String("post_id", postID))
	}
	return nil
}

// undo reverts a job write made by a failed authoring operation, but only
// while the job still holds what that operation wrote: version written, or no
// job at all when written is 0 (a removal). prev and existed describe the job
// before the operation. Reports whether anything was reverted.
func (o *Orchestrator) undo(ctx context.Context, prev jobstore.Job, existed bool, written int64) (bool, error) {
	switch {
	case written != 0 && existed:
		_, ok, err := o.jobs.UpsertIf(ctx, prev.PostID, written, prev.DueAt, prev.Priority)
		return ok, err
	case written != 0:
		return o.jobs.RemoveIf(ctx, prev.PostID, written)
	case existed:
		_, ok, err := o.jobs.UpsertIf(ctx, prev.PostID, 0, prev.DueAt, prev.Priority)
		return ok, err
	}
	return false, nil
}

func (o *Orchestrator) lookup(ctx context.Context, postID string) (jobstore.Job, bool, error) {
	job, err := o.jobs.Get(ctx, postID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return jobstore.Job{PostID: postID}, false, nil
	}
	if err != nil {
		return jobstore.Job{}, false, err
	}
	return job, true, nil
}

// RunSweep claims every due job and dispatches the claims without waiting for them.
func (o *Orchestrator) RunSweep(ctx context.Context) (SweepReport, error) {
	now := o.now()
	o.metrics.Sweeps.Inc()

	due, err := o.jobs.Due(ctx, now, o.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("fetch due jobs: %w", err)
	}
	sortDue(due)

	report := SweepReport{Due: len(due)}
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		claim, err := o.jobs.Claim(ctx, job, now, o.cfg.ClaimTimeout)
		if errors.Is(err, jobstore.ErrClaimConflict) {
			report.Conflicts++
			o.metrics.Claims.WithLabelValues("conflict").Inc()
			o.logger.Debug("Job claimed elsewhere, skipping", zap.String("post_id", job.PostID))
			continue
		}
		if err != nil {
			report.Errors++
			o.logger.Error("Failed to claim job", zap.String("post_id", job.PostID), zap.Error(err))
			continue
		}

		report.Claimed++
		report.PostIDs = append(report.PostIDs, job.PostID)
		o.metrics.Claims.WithLabelValues("claimed").Inc()
		if claim.Job.Claims > 1 {
			o.logger.Warn("Re-claimed job after lapsed claim",
				zap.String("post_id", job.PostID),
				zap.Int("claims", claim.Job.Claims))
		}
		o.dispatch(ctx, claim)
	}

	if n, err := o.jobs.Count(ctx); err == nil {
		o.metrics.JobsPending.Set(float64(n))
	}
	o.logger.Info("Sweep completed",
		zap.Int("due", report.Due),
		zap.Int("claimed", report.Claimed),
		zap.Int("conflicts", report.Conflicts))
	return report, nil
}

// dispatch never blocks the claim loop; the semaphore only bounds how many
// executions run at once.
func (o *Orchestrator) dispatch(ctx context.Context, claim jobstore.Claim) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		// detached so a finished sweep does not cut off its dispatches
		o.execute(context.WithoutCancel(ctx), claim)
	}()
}

func (o *Orchestrator) execute(ctx context.Context, claim jobstore.Claim) {
	log := o.logger.With(zap.String("post_id", claim.Job.PostID), zap.Int64("token", claim.Token))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panicked; claim left to lapse", zap.Any("panic", r))
		}
	}()

	report, err := o.executor.Execute(ctx, claim)
	switch {
	case errors.Is(err, ErrStaleClaim):
		log.Info("Discarded result of superseded claim")
		return
	case err != nil:
		log.Error("Execution failed; job retries after claim timeout", zap.Error(err))
		return
	}

	done, err := o.jobs.Complete(ctx, claim)
	if err != nil {
		log.Error("Failed to complete job", zap.Error(err))
		return
	}
	log.Info("Job completed", zap.String("outcome", report.Outcome), zap.Bool("removed", done))
}

// Wait blocks until every dispatched claim has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Reconcile restores jobs for scheduled posts whose job is missing or out of date.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	for offset := 0; ; offset += o.cfg.BatchSize {
		posts, err := o.posts.ListScheduled(ctx, o.cfg.BatchSize, offset)
		if err != nil {
			return report, err
		}
		for _, p := range posts {
			report.Scanned++
			if p.ScheduledAt == nil {
				continue
			}
			job, exists, err := o.lookup(ctx, p.ID)
			if err != nil {
				return report, err
			}
			if exists && job.DueAt.Equal(*p.ScheduledAt) {
				continue
			}
			if _, err := o.jobs.Upsert(ctx, p.ID, *p.ScheduledAt, p.Priority); err != nil {
				return report, err
			}
			report.Restored++
			o.logger.Warn("Restored missing job",
				zap.String("post_id", p.ID),
				zap.Time("due_at", *p.ScheduledAt),
				zap.Bool("had_job", exists))
		}
		if len(posts) < o.cfg.BatchSize {
			break
		}
	}
	return report, nil
}

// Status reports post counts and the jobs that come due next.
func (o *Orchestrator) Status(ctx context.Context, next int) (SchedulerStatus, error) {
	if next <= 0 {
		next = o.cfg.NextPreview
	}
	counts, err := o.posts.CountByStatus(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}
	pending, err := o.jobs.Count(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}
	upcoming, err := o.jobs.Next(ctx, next)
	if err != nil {
		return SchedulerStatus{}, err
	}
	if upcoming == nil {
		upcoming = []jobstore.Job{}
	}
	return SchedulerStatus{Counts: counts, JobsPending: pending, Next: upcoming}, nil
}

// sortDue orders jobs by due time, then higher priority, then post id.
func sortDue(jobs []jobstore.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.PostID < b.PostID
	})
}
