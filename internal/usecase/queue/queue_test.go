package queue

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dispatchkit/promptdispatch/internal/adapter/persistence"
	"github.com/dispatchkit/promptdispatch/internal/domain"
)

func newTestQueue(t *testing.T, disp domain.Dispatcher, numWorkers int) (*Queue, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	js := persistence.NewJobStore(persistence.New(rdb))

	q := New(js, js, disp, Config{
		NumWorkers: numWorkers, JobResultsTTL: time.Minute, SearchJobTTL: time.Second,
		StalledInterval: 50 * time.Millisecond, MaxStalledCount: 2,
		Retry:              domain.RetryPolicy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		NumWorkerEndpoints: 1,
	})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return q, cleanup
}

type fakeDispatcher struct {
	dispatch func(jobID, prompt string, hint int) (domain.Result, error)
}

func (f *fakeDispatcher) Dispatch(_ domain.Context, jobID, prompt string, hint int, onProgress func(domain.Progress)) (domain.Result, error) {
	if onProgress != nil {
		onProgress(domain.Progress{Stage: "searching", WorkerID: 1})
	}
	return f.dispatch(jobID, prompt, hint)
}

func TestQueue_EnqueueValidatesPrompt(t *testing.T) {
	q, cleanup := newTestQueue(t, nil, 0)
	defer cleanup()
	if _, err := q.Enqueue(t.Context(), "", 0, 0, "", 0, 0); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestQueue_EnqueueValidatesWorkerHint(t *testing.T) {
	q, cleanup := newTestQueue(t, nil, 0)
	defer cleanup()
	if _, err := q.Enqueue(t.Context(), "hi", 99, 0, "", 0, 0); err == nil {
		t.Fatalf("expected error for out-of-range worker hint")
	}
}

func TestQueue_ProcessSuccess(t *testing.T) {
	disp := &fakeDispatcher{dispatch: func(jobID, prompt string, hint int) (domain.Result, error) {
		return domain.Result{JSON: `{"ok":true}`, UsedWorker: 1}, nil
	}}
	q, cleanup := newTestQueue(t, disp, 1)
	defer cleanup()

	id, err := q.Enqueue(t.Context(), "hello", 0, 0, "", 0, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.Start(t.Context())
	defer q.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(t.Context(), id)
		if err == nil && job.Status == domain.JobCompleted {
			if job.Result == nil || job.Result.JSON != `{"ok":true}` {
				t.Fatalf("unexpected result: %+v", job.Result)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job never completed")
}

func TestQueue_ProcessExhaustsRetriesThenFails(t *testing.T) {
	disp := &fakeDispatcher{dispatch: func(jobID, prompt string, hint int) (domain.Result, error) {
		return domain.Result{}, domain.ErrUpstreamExhausted
	}}
	q, cleanup := newTestQueue(t, disp, 1)
	defer cleanup()

	id, err := q.Enqueue(t.Context(), "hello", 0, 0, "", 0, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.Start(t.Context())
	defer q.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(t.Context(), id)
		if err == nil && job.Status == domain.JobFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job never reached the failed terminal state")
}

func TestQueue_List(t *testing.T) {
	q, cleanup := newTestQueue(t, nil, 0)
	defer cleanup()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(t.Context(), "hello", 0, 0, "", 0, 0); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	items, total, _, err := q.List(t.Context(), "", 2, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected total=3 len=2, got total=%d len=%d", total, len(items))
	}
}
