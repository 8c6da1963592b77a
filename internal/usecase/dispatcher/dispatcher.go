// Package dispatcher implements the worker-pool dispatcher (spec §4.C):
// given a prompt and an optional worker hint, it finds a free worker,
// issues a search, classifies the outcome, and retries across workers
// within the caller's context deadline. The bounded attempt budget
// (maxAttempts x 10) acts as a circuit breaker, per spec §9's resolution
// of the dispatcher Open Question in favor of the circuit-breaker variant.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	intobs "github.com/dispatchkit/promptdispatch/internal/observability"
	"github.com/dispatchkit/promptdispatch/internal/domain"
)

// retryDelay is the fixed inter-round sleep when no worker is free (§4.C.2.b).
const retryDelay = 2 * time.Second

// Dispatcher implements domain.Dispatcher.
type Dispatcher struct {
	workers     []domain.WorkerEndpoint
	client      domain.WorkerClient
	maxAttempts int // configured MAX_ATTEMPTS; the effective budget is maxAttempts*10
}

// New builds a Dispatcher over the given worker pool.
func New(workers []domain.WorkerEndpoint, client domain.WorkerClient, maxAttempts int) *Dispatcher {
	return &Dispatcher{workers: workers, client: client, maxAttempts: maxAttempts}
}

// Dispatch selects a free worker, issues the search, and retries across
// workers until a terminal outcome, ctx is done, or the attempt budget
// (maxAttempts x 10 rounds) is spent. It never returns partial success.
func (d *Dispatcher) Dispatch(ctx domain.Context, jobID, prompt string, workerHint int, onProgress func(domain.Progress)) (domain.Result, error) {
	lg := intobs.LoggerFromContext(ctx)
	start := time.Now()
	defer func() { observability.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	if workerHint < 0 || workerHint > len(d.workers) {
		return domain.Result{}, fmt.Errorf("%w: worker hint %d out of range [1..%d]", domain.ErrInvalidArgument, workerHint, len(d.workers))
	}

	// tried holds workers that returned a non-terminal outcome during this
	// dispatch; selection skips them while another free worker exists.
	tried := map[int]bool{}

	if workerHint > 0 {
		hinted := d.workers[workerHint-1]
		h := d.client.Health(ctx, hinted)
		if h.IsFree() {
			outcome := d.client.Search(ctx, hinted, prompt)
			d.record(hinted.Index, outcome)
			if outcome.IsTerminalSuccess() {
				return finalize(outcome, hinted.Index), nil
			}
			tried[hinted.Index] = true
			lg.Info("worker hint did not complete the search, falling back to dynamic selection",
				"worker", hinted.Index, "outcome", outcomeName(outcome.Kind))
		}
	}

	maxAttempts := d.maxAttempts * 10
	if maxAttempts <= 0 {
		maxAttempts = 30
	}

	busyCycles := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return domain.Result{}, fmt.Errorf("%w: context done during dispatch: %s", domain.ErrUpstreamExhausted, ctx.Err())
		default:
		}

		if onProgress != nil {
			onProgress(domain.Progress{Stage: "selecting", WorkerID: 0})
		}

		worker, ok := d.pickFreeWorker(ctx, tried)
		if !ok {
			busyCycles++
			if busyCycles%10 == 0 {
				lg.Info("all workers busy", "jobId", jobID, "cycles", busyCycles)
			}
			if !sleep(ctx, retryDelay) {
				return domain.Result{}, fmt.Errorf("%w: context done while waiting for a free worker", domain.ErrUpstreamExhausted)
			}
			continue
		}
		busyCycles = 0

		if onProgress != nil {
			onProgress(domain.Progress{Stage: "searching", WorkerID: worker.Index})
		}

		outcome := d.client.Search(ctx, worker, prompt)
		d.record(worker.Index, outcome)

		switch outcome.Kind {
		case domain.OutcomeSuccess, domain.OutcomeEmpty:
			return finalize(outcome, worker.Index), nil
		case domain.OutcomeBlocked:
			lg.Warn("worker reported blocked", "worker", worker.Index, "reason", outcome.Reason)
		case domain.OutcomeBusy:
			lg.Debug("worker became busy mid-flight", "worker", worker.Index)
		case domain.OutcomeTransient:
			lg.Warn("transient worker error", "worker", worker.Index, "error", outcome.Err)
		}
		tried[worker.Index] = true
		// blocked/busy/transient: immediately re-loop, no sleep (§4.C.2.c).
	}

	return domain.Result{}, fmt.Errorf("%w: no worker produced a terminal outcome within the attempt budget", domain.ErrUpstreamExhausted)
}

func (d *Dispatcher) record(workerIndex int, outcome domain.Outcome) {
	observability.DispatchAttemptsTotal.WithLabelValues(fmt.Sprintf("%d", workerIndex), outcomeName(outcome.Kind)).Inc()
}

func outcomeName(k domain.OutcomeKind) string {
	switch k {
	case domain.OutcomeSuccess:
		return "success"
	case domain.OutcomeEmpty:
		return "empty"
	case domain.OutcomeBlocked:
		return "blocked"
	case domain.OutcomeBusy:
		return "busy"
	default:
		return "transient"
	}
}

func finalize(outcome domain.Outcome, workerIndex int) domain.Result {
	r := outcome.Result
	r.UsedWorker = workerIndex
	return r
}

// pickFreeWorker probes all workers in parallel and returns the
// lowest-indexed one reporting ok && !busy && ready != false that is not in
// tried. If every free worker is in tried, tried is cleared and the
// lowest-indexed free worker is returned.
func (d *Dispatcher) pickFreeWorker(ctx context.Context, tried map[int]bool) (domain.WorkerEndpoint, bool) {
	healths := make([]domain.WorkerHealth, len(d.workers))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(i int, w domain.WorkerEndpoint) {
			defer wg.Done()
			healths[i] = d.client.Health(ctx, w)
		}(i, w)
	}
	wg.Wait()

	first := -1
	for i, h := range healths {
		if !h.IsFree() {
			continue
		}
		if !tried[d.workers[i].Index] {
			return d.workers[i], true
		}
		if first < 0 {
			first = i
		}
	}
	if first >= 0 {
		clear(tried)
		return d.workers[first], true
	}
	return domain.WorkerEndpoint{}, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
