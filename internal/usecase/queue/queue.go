// Package queue implements the durable job queue (spec §4.D): enqueue,
// reserve, process, complete/fail, per-attempt retry with exponential
// backoff, TTL-based removal, stall detection, and status listing.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	intobs "github.com/dispatchkit/promptdispatch/internal/observability"
	"github.com/dispatchkit/promptdispatch/internal/domain"
)

const maxPromptLen = 10000

// Config bundles the queue's tunables, mirroring spec §4.H.
type Config struct {
	NumWorkers      int
	JobResultsTTL   time.Duration
	SearchJobTTL    time.Duration // bull.searchJobMs, the per-job deadline
	StalledInterval time.Duration
	MaxStalledCount int
	Retry           domain.RetryPolicy
	NumWorkerEndpoints int
}

// Queue wires the persistence ports to the dispatcher and runs the
// background worker pool and stall sweeper.
type Queue struct {
	jobs       domain.JobRepository
	waiting    domain.WaitingQueue
	dispatcher domain.Dispatcher
	cfg        Config

	mu            sync.Mutex
	stalledCounts map[string]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Queue. Call Start to launch the worker pool and sweeper.
func New(jobs domain.JobRepository, waiting domain.WaitingQueue, dispatcher domain.Dispatcher, cfg Config) *Queue {
	return &Queue{
		jobs: jobs, waiting: waiting, dispatcher: dispatcher, cfg: cfg,
		stalledCounts: make(map[string]int),
	}
}

// Enqueue validates and persists a new job, pushing it onto the waiting
// list. It performs no idempotency handling; that is the admission
// layer's responsibility (spec §4.F).
func (q *Queue) Enqueue(ctx domain.Context, prompt string, workerHint, priority int, batchID string, batchIndex, batchTotal int) (string, error) {
	if prompt == "" || utf8.RuneCountInString(prompt) > maxPromptLen {
		return "", fmt.Errorf("%w: prompt must be 1..%d chars", domain.ErrInvalidArgument, maxPromptLen)
	}
	if workerHint < 0 || workerHint > q.cfg.NumWorkerEndpoints {
		return "", fmt.Errorf("%w: worker hint %d out of range", domain.ErrInvalidArgument, workerHint)
	}

	id, err := q.jobs.NextID(ctx)
	if err != nil {
		return "", err
	}
	job := domain.Job{
		ID: id, Prompt: prompt, WorkerHint: workerHint,
		BatchID: batchID, BatchIndex: batchIndex, BatchTotal: batchTotal,
		Priority: priority, MaxAttempts: q.cfg.Retry.MaxAttempts,
		Status: domain.JobPending, CreatedAt: time.Now(),
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	if err := q.waiting.Enqueue(ctx, id, priority); err != nil {
		return "", err
	}
	kind := "single"
	if batchID != "" {
		kind = "bulk"
	}
	observability.JobsEnqueuedTotal.WithLabelValues(kind).Inc()
	return id, nil
}

// Get returns a job's current state.
func (q *Queue) Get(ctx domain.Context, id string) (domain.Job, error) {
	return q.jobs.Get(ctx, id)
}

// List returns jobs ordered by CreatedAt descending.
func (q *Queue) List(ctx domain.Context, statusFilter domain.JobStatus, limit, offset int) ([]domain.Job, int, int, error) {
	return q.jobs.List(ctx, statusFilter, limit, offset)
}

// Start launches NumWorkers reservation goroutines (at least one, even when
// NumWorkers <= 0) plus the stall sweeper.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	n := q.cfg.NumWorkers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
	q.wg.Add(1)
	go q.runStallSweeper(ctx)
}

// Stop cancels all background goroutines and waits for them to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	lg := intobs.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok, err := q.waiting.Reserve(ctx)
		if err != nil {
			lg.Error("reserve failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		q.process(ctx, id)
	}
}

func (q *Queue) process(ctx context.Context, id string) {
	lg := intobs.LoggerFromContext(ctx)
	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		lg.Warn("reserved job vanished", "jobId", id, "error", err)
		_ = q.waiting.Release(ctx, id)
		return
	}

	if err := q.jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil, "", 0); err != nil {
		lg.Error("failed to mark job processing", "jobId", id, "error", err)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, q.cfg.SearchJobTTL)
	defer cancel()

	onProgress := func(p domain.Progress) { _ = q.jobs.UpdateProgress(ctx, id, p) }
	result, dispatchErr := q.dispatcher.Dispatch(dispatchCtx, id, job.Prompt, job.WorkerHint, onProgress)

	if dispatchErr == nil {
		reason := domain.JobCompleted
		outcome := "success"
		if result.JSON == "" {
			outcome = "empty"
		}
		observability.JobsCompletedTotal.WithLabelValues(outcome).Inc()
		if err := q.jobs.UpdateStatus(ctx, id, reason, &result, "", q.cfg.JobResultsTTL); err != nil {
			lg.Error("failed to mark job completed", "jobId", id, "error", err)
		}
		_ = q.waiting.Release(ctx, id)
		return
	}

	attempts, incErr := q.jobs.IncrementAttempt(ctx, id)
	if incErr != nil {
		lg.Error("failed to increment attempt", "jobId", id, "error", incErr)
		attempts = job.Attempts + 1
	}

	if q.cfg.Retry.Exhausted(attempts) {
		observability.JobsFailedTotal.WithLabelValues("exhausted").Inc()
		if err := q.jobs.UpdateStatus(ctx, id, domain.JobFailed, nil, dispatchErr.Error(), q.cfg.JobResultsTTL); err != nil {
			lg.Error("failed to mark job failed", "jobId", id, "error", err)
		}
		_ = q.waiting.Release(ctx, id)
		return
	}

	delay := q.cfg.Retry.NextDelay(attempts)
	lg.Info("job attempt failed, scheduling retry", "jobId", id, "attempt", attempts, "delay", delay, "error", dispatchErr)
	if err := q.jobs.UpdateStatus(ctx, id, domain.JobPending, nil, "", 0); err != nil {
		lg.Error("failed to reset job to pending for retry", "jobId", id, "error", err)
	}
	go func() {
		sleep(ctx, delay)
		if rerr := q.waiting.Requeue(ctx, id, job.Priority); rerr != nil {
			lg.Error("failed to requeue job for retry", "jobId", id, "error", rerr)
		}
	}()
}

func (q *Queue) runStallSweeper(ctx context.Context) {
	defer q.wg.Done()
	lg := intobs.LoggerFromContext(ctx)
	ticker := time.NewTicker(q.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := q.waiting.SweepStalled(ctx, q.cfg.StalledInterval)
			if err != nil {
				lg.Error("stall sweep failed", "error", err)
				continue
			}
			for _, id := range stalled {
				q.handleStalled(ctx, id)
			}
		}
	}
}

func (q *Queue) handleStalled(ctx context.Context, id string) {
	lg := intobs.LoggerFromContext(ctx)
	q.mu.Lock()
	q.stalledCounts[id]++
	count := q.stalledCounts[id]
	q.mu.Unlock()

	if count > q.cfg.MaxStalledCount {
		observability.JobsFailedTotal.WithLabelValues("stalled").Inc()
		if err := q.jobs.UpdateStatus(ctx, id, domain.JobFailed, nil, "stalled", q.cfg.JobResultsTTL); err != nil {
			lg.Error("failed to mark stalled job failed", "jobId", id, "error", err)
		}
		_ = q.waiting.Release(ctx, id)
		q.mu.Lock()
		delete(q.stalledCounts, id)
		q.mu.Unlock()
		return
	}

	job, err := q.jobs.Get(ctx, id)
	priority := 0
	if err == nil {
		priority = job.Priority
	}
	lg.Warn("job reservation stalled, re-reserving", "jobId", id, "count", count)
	if err := q.jobs.UpdateStatus(ctx, id, domain.JobPending, nil, "", 0); err != nil {
		lg.Error("failed to reset stalled job to pending", "jobId", id, "error", err)
	}
	if err := q.waiting.Requeue(ctx, id, priority); err != nil {
		lg.Error("failed to requeue stalled job", "jobId", id, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
