package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

type fakeClient struct {
	mu      sync.Mutex
	healths map[int]domain.WorkerHealth
	outcome func(w domain.WorkerEndpoint) domain.Outcome
}

func (f *fakeClient) Health(_ domain.Context, w domain.WorkerEndpoint) domain.WorkerHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healths[w.Index]
}

func (f *fakeClient) Search(_ domain.Context, w domain.WorkerEndpoint, _ string) domain.Outcome {
	return f.outcome(w)
}

func endpoints(n int) []domain.WorkerEndpoint {
	out := make([]domain.WorkerEndpoint, n)
	for i := range out {
		out[i] = domain.WorkerEndpoint{Index: i + 1, BaseURL: "http://worker"}
	}
	return out
}

func TestDispatch_PicksFreeWorkerAndSucceeds(t *testing.T) {
	client := &fakeClient{
		healths: map[int]domain.WorkerHealth{1: {OK: true, Busy: true}, 2: {OK: true, Busy: false}},
		outcome: func(w domain.WorkerEndpoint) domain.Outcome {
			return domain.Outcome{Kind: domain.OutcomeSuccess, Result: domain.Result{JSON: "{}"}}
		},
	}
	d := New(endpoints(2), client, 3)

	res, err := d.Dispatch(t.Context(), "job-1", "prompt", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UsedWorker != 2 {
		t.Fatalf("expected worker 2 (the free one), got %d", res.UsedWorker)
	}
}

func TestDispatch_WorkerHintFallsBackOnBlocked(t *testing.T) {
	calls := 0
	client := &fakeClient{
		healths: map[int]domain.WorkerHealth{1: {OK: true, Busy: false}, 2: {OK: true, Busy: false}},
		outcome: func(w domain.WorkerEndpoint) domain.Outcome {
			calls++
			if w.Index == 1 {
				return domain.Outcome{Kind: domain.OutcomeBlocked, Reason: "captcha"}
			}
			return domain.Outcome{Kind: domain.OutcomeSuccess, Result: domain.Result{JSON: "{}"}}
		},
	}
	d := New(endpoints(2), client, 3)

	res, err := d.Dispatch(t.Context(), "job-1", "prompt", 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UsedWorker == 1 {
		t.Fatalf("expected fallback away from the hinted blocked worker")
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 search calls (hint + fallback), got %d", calls)
	}
}

func TestDispatch_InvalidWorkerHint(t *testing.T) {
	client := &fakeClient{healths: map[int]domain.WorkerHealth{}}
	d := New(endpoints(1), client, 3)

	_, err := d.Dispatch(t.Context(), "job-1", "prompt", 5, nil)
	if err == nil {
		t.Fatalf("expected error for out-of-range worker hint")
	}
}

func TestDispatch_ContextCanceledWhileAllBusy(t *testing.T) {
	client := &fakeClient{healths: map[int]domain.WorkerHealth{1: {OK: true, Busy: true}}}
	d := New(endpoints(1), client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, "job-1", "prompt", 0, nil)
	if err == nil {
		t.Fatalf("expected error once context is done")
	}
}
