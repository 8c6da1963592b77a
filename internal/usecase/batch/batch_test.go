package batch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	seq  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]domain.Job{}}
}

func (f *fakeQueue) Enqueue(_ domain.Context, prompt string, _, _ int, batchID string, batchIndex, batchTotal int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.jobs[id] = domain.Job{
		ID: id, Prompt: prompt, Status: domain.JobPending,
		BatchID: batchID, BatchIndex: batchIndex, BatchTotal: batchTotal,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeQueue) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeQueue) setStatus(id string, status domain.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = status
	f.jobs[id] = j
}

type fakeBatchRepo struct {
	mu    sync.Mutex
	jobs  map[string][]string
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{jobs: map[string][]string{}}
}

func (f *fakeBatchRepo) CreateBatch(_ domain.Context, batchID string, jobIDs []string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[batchID] = jobIDs
	return nil
}

func (f *fakeBatchRepo) BatchJobIDs(_ domain.Context, batchID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.jobs[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ids, nil
}

func TestCoordinator_EnqueueBulk_RejectsEmptyAndOversized(t *testing.T) {
	c := New(newFakeQueue(), newFakeBatchRepo(), time.Minute)

	if _, _, err := c.EnqueueBulk(t.Context(), nil, 0, 0); err == nil {
		t.Fatalf("expected error for empty prompt list")
	}
	oversized := make([]string, 101)
	for i := range oversized {
		oversized[i] = "p"
	}
	if _, _, err := c.EnqueueBulk(t.Context(), oversized, 0, 0); err == nil {
		t.Fatalf("expected error for >100 prompts")
	}
}

func TestCoordinator_EnqueueBulkAndGetStatus(t *testing.T) {
	q := newFakeQueue()
	br := newFakeBatchRepo()
	c := New(q, br, time.Minute)

	batchID, jobIDs, err := c.EnqueueBulk(t.Context(), []string{"a", "b", "c"}, 0, 0)
	if err != nil {
		t.Fatalf("EnqueueBulk failed: %v", err)
	}
	if len(jobIDs) != 3 {
		t.Fatalf("expected 3 job ids, got %d", len(jobIDs))
	}

	q.setStatus(jobIDs[0], domain.JobCompleted)
	q.setStatus(jobIDs[1], domain.JobFailed)

	status, err := c.GetBatchStatus(t.Context(), batchID)
	if err != nil {
		t.Fatalf("GetBatchStatus failed: %v", err)
	}
	if status.Total != 3 || status.Completed != 1 || status.Failed != 1 || status.Pending != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	for i, j := range status.Jobs {
		if j.BatchIndex != i {
			t.Fatalf("expected jobs sorted by BatchIndex, got %+v", status.Jobs)
		}
	}
}

func TestCoordinator_GetBatchStatus_ToleratesEvictedJobs(t *testing.T) {
	q := newFakeQueue()
	br := newFakeBatchRepo()
	c := New(q, br, time.Minute)

	_ = br.CreateBatch(t.Context(), "batch-x", []string{"job-ghost"}, time.Minute)

	status, err := c.GetBatchStatus(t.Context(), "batch-x")
	if err != nil {
		t.Fatalf("GetBatchStatus failed: %v", err)
	}
	if status.Total != 1 || len(status.Jobs) != 0 {
		t.Fatalf("expected the evicted job to be tolerated, got %+v", status)
	}
}

func TestCoordinator_GetBatchStatus_NotFound(t *testing.T) {
	c := New(newFakeQueue(), newFakeBatchRepo(), time.Minute)
	if _, err := c.GetBatchStatus(t.Context(), "missing"); err == nil {
		t.Fatalf("expected error for unknown batch id")
	}
}
