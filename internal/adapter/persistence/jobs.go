package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

// Redis key conventions, per spec §6 "Persistence keys".
const (
	keyJobPrefix      = "job:"
	keyWaiting        = "waiting"
	keyWaitingSeq     = "waiting:seq"
	keyActive         = "active"
	keyBatchJobsFmt   = "batch:%s:jobs"
	keyIdempotencyFmt = "idempotency:%s:%s"
	keyJobSeq         = "jobs:seq"
)

// jobRecord is the JSON-serialized form of domain.Job stored under
// job:<id>.
type jobRecord struct {
	ID            string          `json:"id"`
	Prompt        string          `json:"prompt"`
	WorkerHint    int             `json:"workerHint,omitempty"`
	BatchID       string          `json:"batchId,omitempty"`
	BatchIndex    int             `json:"batchIndex,omitempty"`
	BatchTotal    int             `json:"batchTotal,omitempty"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Status        domain.JobStatus `json:"status"`
	Result        *domain.Result  `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	Progress      *domain.Progress `json:"progress,omitempty"`
	IdemKey       string          `json:"idemKey,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

func toRecord(j domain.Job) jobRecord {
	return jobRecord{
		ID: j.ID, Prompt: j.Prompt, WorkerHint: j.WorkerHint,
		BatchID: j.BatchID, BatchIndex: j.BatchIndex, BatchTotal: j.BatchTotal,
		Priority: j.Priority, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		Status: j.Status, Result: j.Result, FailureReason: j.FailureReason,
		Progress: j.Progress, IdemKey: j.IdemKey, CreatedAt: j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

func (r jobRecord) toDomain() domain.Job {
	return domain.Job{
		ID: r.ID, Prompt: r.Prompt, WorkerHint: r.WorkerHint,
		BatchID: r.BatchID, BatchIndex: r.BatchIndex, BatchTotal: r.BatchTotal,
		Priority: r.Priority, Attempts: r.Attempts, MaxAttempts: r.MaxAttempts,
		Status: r.Status, Result: r.Result, FailureReason: r.FailureReason,
		Progress: r.Progress, IdemKey: r.IdemKey, CreatedAt: r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// JobStore implements domain.JobRepository, domain.WaitingQueue,
// domain.BatchRepository, and domain.IdempotencyStore over a Store.
type JobStore struct {
	store *Store
}

// NewJobStore wraps a Store for job/batch/idempotency persistence.
func NewJobStore(store *Store) *JobStore {
	return &JobStore{store: store}
}

// NextID mints a monotonic integer job ID (spec §8 scenarios assert
// jobId=="1" for the first dispatched job, jobIds:["1","2","3"] for a bulk
// submission), backed by the same Redis INCR primitive as the waiting-queue
// sequence number.
func (s *JobStore) NextID(ctx domain.Context) (string, error) {
	n, err := s.store.Incr(ctx, keyJobSeq)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

func jobKey(id string) string { return keyJobPrefix + id }

// Create persists a new job record and registers it in the listing index.
func (s *JobStore) Create(ctx domain.Context, j domain.Job) error {
	b, err := json.Marshal(toRecord(j))
	if err != nil {
		return fmt.Errorf("%w: marshal job: %s", domain.ErrInternal, err)
	}
	if err := s.store.Set(ctx, jobKey(j.ID), string(b), 0); err != nil {
		return err
	}
	return s.store.SAdd(ctx, "jobs:index", j.ID)
}

// Get returns the job record for id.
func (s *JobStore) Get(ctx domain.Context, id string) (domain.Job, error) {
	v, found, err := s.store.Get(ctx, jobKey(id))
	if err != nil {
		return domain.Job{}, err
	}
	if !found {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return domain.Job{}, fmt.Errorf("%w: unmarshal job %s: %s", domain.ErrInternal, id, err)
	}
	return rec.toDomain(), nil
}

func (s *JobStore) put(ctx domain.Context, j domain.Job, ttl time.Duration) error {
	b, err := json.Marshal(toRecord(j))
	if err != nil {
		return fmt.Errorf("%w: marshal job: %s", domain.ErrInternal, err)
	}
	return s.store.Set(ctx, jobKey(j.ID), string(b), ttl)
}

// UpdateStatus transitions status and, for terminal states, records the
// result or failure reason and schedules TTL-based removal.
func (s *JobStore) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, result *domain.Result, failureReason string, ttl time.Duration) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	j.Status = status
	j.Result = result
	j.FailureReason = failureReason
	if status == domain.JobCompleted || status == domain.JobFailed {
		now := time.Now()
		j.FinishedAt = &now
		return s.put(ctx, j, ttl)
	}
	return s.put(ctx, j, 0)
}

// UpdateProgress records a best-effort progress snapshot, last-write-wins.
func (s *JobStore) UpdateProgress(ctx domain.Context, id string, p domain.Progress) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	j.Progress = &p
	return s.put(ctx, j, 0)
}

// IncrementAttempt bumps the attempt counter and returns the new count.
func (s *JobStore) IncrementAttempt(ctx domain.Context, id string) (int, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	j.Attempts++
	if err := s.put(ctx, j, 0); err != nil {
		return 0, err
	}
	return j.Attempts, nil
}

// List returns jobs ordered by CreatedAt descending, filtered by status,
// honoring limit and an item-offset cursor.
func (s *JobStore) List(ctx domain.Context, statusFilter domain.JobStatus, limit, offset int) ([]domain.Job, int, int, error) {
	ids, err := s.store.SMembers(ctx, "jobs:index")
	if err != nil {
		return nil, 0, 0, err
	}
	all := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			continue // TTL-evicted; tolerate per spec §4.D
		}
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })

	total := len(all)
	if offset < 0 || offset > total {
		offset = 0
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := all[offset:end]
	next := end
	if next >= total {
		next = 0
	}
	return items, total, next, nil
}

// Enqueue pushes jobID onto the priority-ordered waiting set.
func (s *JobStore) Enqueue(ctx domain.Context, jobID string, priority int) error {
	seq, err := s.store.Incr(ctx, keyWaitingSeq)
	if err != nil {
		return err
	}
	// Higher priority sorts first (lower score); FIFO within a priority via
	// the monotonically increasing sequence number.
	score := -(float64(priority) * 1e13) + float64(seq)
	return s.store.ZAdd(ctx, keyWaiting, score, jobID)
}

// Reserve pops the next job ID and records its reservation time for stall
// detection.
func (s *JobStore) Reserve(ctx domain.Context) (string, bool, error) {
	id, ok, err := s.store.PopWaiting(ctx, keyWaiting)
	if err != nil || !ok {
		return "", ok, err
	}
	if err := s.store.HSet(ctx, keyActive, id, strconv.FormatInt(time.Now().UnixNano(), 10)); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Release removes jobID from the active set.
func (s *JobStore) Release(ctx domain.Context, jobID string) error {
	return s.store.HDel(ctx, keyActive, jobID)
}

// Requeue moves jobID from active back onto waiting.
func (s *JobStore) Requeue(ctx domain.Context, jobID string, priority int) error {
	if err := s.Release(ctx, jobID); err != nil {
		return err
	}
	return s.Enqueue(ctx, jobID, priority)
}

// SweepStalled returns active job IDs whose reservation predates maxAge.
func (s *JobStore) SweepStalled(ctx domain.Context, maxAge time.Duration) ([]string, error) {
	all, err := s.store.HGetAll(ctx, keyActive)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge).UnixNano()
	var stalled []string
	for id, tsStr := range all {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if ts < cutoff {
			stalled = append(stalled, id)
		}
	}
	return stalled, nil
}

// CreateBatch stores the set of sibling job IDs under the batch's key.
func (s *JobStore) CreateBatch(ctx domain.Context, batchID string, jobIDs []string, ttl time.Duration) error {
	key := fmt.Sprintf(keyBatchJobsFmt, batchID)
	if err := s.store.SAdd(ctx, key, jobIDs...); err != nil {
		return err
	}
	return s.store.Expire(ctx, key, ttl)
}

// BatchJobIDs returns the job IDs belonging to batchID.
func (s *JobStore) BatchJobIDs(ctx domain.Context, batchID string) ([]string, error) {
	key := fmt.Sprintf(keyBatchJobsFmt, batchID)
	ids, err := s.store.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	return ids, nil
}

// Lookup returns the stored value for scope/key, if any.
func (s *JobStore) Lookup(ctx domain.Context, scope, key string) (string, bool, error) {
	rk := fmt.Sprintf(keyIdempotencyFmt, scope, key)
	return s.store.Get(ctx, rk)
}

// Store records value for scope/key with the given TTL.
func (s *JobStore) Store(ctx domain.Context, scope, key, value string, ttl time.Duration) error {
	rk := fmt.Sprintf(keyIdempotencyFmt, scope, key)
	_, err := s.store.SetNXExpire(ctx, rk, value, ttl)
	return err
}
