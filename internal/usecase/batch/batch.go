// Package batch implements the batch coordinator (spec §4.E): grouping job
// IDs under a batch ID and computing aggregated progress on demand.
package batch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Enqueuer is the subset of the job queue the batch coordinator depends on.
type Enqueuer interface {
	Enqueue(ctx domain.Context, prompt string, workerHint, priority int, batchID string, batchIndex, batchTotal int) (string, error)
	Get(ctx domain.Context, id string) (domain.Job, error)
}

// Coordinator implements enqueueBulk/getBatchStatus.
type Coordinator struct {
	queue   Enqueuer
	batches domain.BatchRepository
	ttl     time.Duration
}

// New builds a batch Coordinator.
func New(queue Enqueuer, batches domain.BatchRepository, ttl time.Duration) *Coordinator {
	return &Coordinator{queue: queue, batches: batches, ttl: ttl}
}

const maxBulkSize = 100

// EnqueueBulk mints a batch ID, enqueues each prompt as an ordinary job
// carrying batch metadata, and stores the job-ID set with TTL.
func (c *Coordinator) EnqueueBulk(ctx domain.Context, prompts []string, workerHint, priority int) (string, []string, error) {
	if len(prompts) == 0 || len(prompts) > maxBulkSize {
		return "", nil, fmt.Errorf("%w: bulk prompts must number 1..%d", domain.ErrInvalidArgument, maxBulkSize)
	}

	batchID := "batch_" + ulid.Make().String()
	jobIDs := make([]string, len(prompts))
	for i, p := range prompts {
		id, err := c.queue.Enqueue(ctx, p, workerHint, priority, batchID, i, len(prompts))
		if err != nil {
			return "", nil, err
		}
		jobIDs[i] = id
	}

	if err := c.batches.CreateBatch(ctx, batchID, jobIDs, c.ttl); err != nil {
		return "", nil, err
	}
	return batchID, jobIDs, nil
}

// GetBatchStatus loads the batch's job-ID set, fetches each job's status
// in parallel (tolerating individual fetch failures as TTL evictions),
// and returns the aggregate counts plus jobs sorted by BatchIndex.
func (c *Coordinator) GetBatchStatus(ctx domain.Context, batchID string) (domain.BatchStatus, error) {
	ids, err := c.batches.BatchJobIDs(ctx, batchID)
	if err != nil {
		return domain.BatchStatus{}, err
	}

	jobs := make([]domain.Job, 0, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			j, err := c.queue.Get(ctx, id)
			if err != nil {
				return // TTL-evicted; tolerated per spec §4.E/§9
			}
			mu.Lock()
			jobs = append(jobs, j)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].BatchIndex < jobs[k].BatchIndex })

	status := domain.BatchStatus{BatchID: batchID, Total: len(ids), Jobs: jobs}
	for _, j := range jobs {
		switch j.Status {
		case domain.JobCompleted:
			status.Completed++
		case domain.JobProcessing:
			status.Processing++
		case domain.JobPending:
			status.Pending++
		case domain.JobFailed:
			status.Failed++
		}
	}
	return status, nil
}
