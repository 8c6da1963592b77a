// Package domain defines core entities, ports, and domain-specific errors
// for the prompt dispatch service.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUpstreamExhausted  = errors.New("upstream exhausted")
	ErrInternal           = errors.New("internal error")
)

// JobStatus captures the lifecycle state of a dispatched job.
type JobStatus string

// Job status values. pending -> processing -> {completed|failed};
// processing -> pending on stall or retry; terminals are absorbing.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Result is the job payload recorded on successful dispatch.
type Result struct {
	JSON       string `json:"json"`
	RawText    string `json:"raw_text,omitempty"`
	UsedWorker int    `json:"usedWorker"`
}

// Progress is an opaque, best-effort snapshot published by the dispatcher
// while a job is in flight. Last-write-wins; readers tolerate its absence.
type Progress struct {
	Stage    string `json:"stage"`
	WorkerID int    `json:"workerId"`
}

// Job is the durable record of one unit of dispatched work.
//
// Invariants: Status is monotonic except processing->pending on retry;
// Result is non-nil iff Status == JobCompleted; FailureReason is non-empty
// iff Status == JobFailed; Attempts <= MaxAttempts+1.
type Job struct {
	ID            string
	Prompt        string
	WorkerHint    int // 0 means unset; otherwise 1-based
	BatchID       string
	BatchIndex    int
	BatchTotal    int
	Priority      int
	Attempts      int
	MaxAttempts   int
	Status        JobStatus
	Result        *Result
	FailureReason string
	Progress      *Progress
	IdemKey       string
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// HasWorkerHint reports whether WorkerHint carries a valid 1-based hint.
func (j Job) HasWorkerHint() bool { return j.WorkerHint > 0 }

// Batch groups a set of sibling jobs created in a single bulk admission call.
type Batch struct {
	ID      string
	JobIDs  []string
	Created time.Time
}

// BatchStatus is the aggregated view returned by GetBatchStatus. Jobs is
// sorted by BatchIndex; missing (TTL-evicted) members are silently skipped.
type BatchStatus struct {
	BatchID    string
	Total      int
	Completed  int
	Processing int
	Pending    int
	Failed     int
	Jobs       []Job
}

// WorkerEndpoint is one entry of the immutable, 1-based worker pool.
type WorkerEndpoint struct {
	Index   int
	BaseURL string
}

// WorkerHealth is a transient view of a worker's state. Never persisted.
type WorkerHealth struct {
	OK      bool
	Busy    bool
	Ready   *bool // nil means unspecified by the worker; treated as ready
	Browser string
	Version string
	Error   string
}

// IsFree reports whether the worker can be handed a new search, per the
// dispatcher's selection algorithm: ok && !busy && ready != false.
func (h WorkerHealth) IsFree() bool {
	if !h.OK || h.Busy {
		return false
	}
	if h.Ready != nil && !*h.Ready {
		return false
	}
	return true
}

// Context is a type alias to stdlib context.Context for convenience across
// layers; adapters and usecases pass context.Context through directly.
type Context = context.Context

// JobRepository is the persistence port for job records.
type JobRepository interface {
	// NextID mints a new, monotonic job ID (a decimal integer string).
	NextID(ctx Context) (string, error)
	// Create persists a new job record in JobPending state.
	Create(ctx Context, j Job) error
	// Get returns the job record for id, or ErrNotFound.
	Get(ctx Context, id string) (Job, error)
	// UpdateStatus transitions status and, for terminal states, records the
	// result or failure reason and schedules TTL-based removal.
	UpdateStatus(ctx Context, id string, status JobStatus, result *Result, failureReason string, ttl time.Duration) error
	// UpdateProgress records a best-effort progress snapshot.
	UpdateProgress(ctx Context, id string, p Progress) error
	// IncrementAttempt bumps the attempt counter and returns the new count.
	IncrementAttempt(ctx Context, id string) (int, error)
	// List returns jobs ordered by CreatedAt descending, optionally filtered
	// by status, honoring limit and an item-offset cursor; it also returns
	// the total item count and the next offset (0 if exhausted).
	List(ctx Context, statusFilter JobStatus, limit, offset int) (items []Job, total int, nextOffset int, err error)
}

// WaitingQueue is the port over the priority-ordered waiting/active lists
// described in spec §6 ("waiting", "active", "stalled").
type WaitingQueue interface {
	// Enqueue pushes a job ID onto the waiting list ordered by priority
	// (higher first; FIFO within equal priority).
	Enqueue(ctx Context, jobID string, priority int) error
	// Reserve pops the next job ID and records it as active with the
	// current time, for stall detection.
	Reserve(ctx Context) (jobID string, ok bool, err error)
	// Release removes a job ID from the active set (on completion/failure).
	Release(ctx Context, jobID string) error
	// Requeue moves a job ID from active back onto waiting (retry or stall).
	Requeue(ctx Context, jobID string, priority int) error
	// SweepStalled returns active job IDs whose reservation is older than
	// maxAge, for the stall sweeper to act on.
	SweepStalled(ctx Context, maxAge time.Duration) ([]string, error)
}

// BatchRepository is the persistence port for batch membership.
type BatchRepository interface {
	CreateBatch(ctx Context, batchID string, jobIDs []string, ttl time.Duration) error
	BatchJobIDs(ctx Context, batchID string) ([]string, error)
}

// IdempotencyStore maps a client-supplied idempotency key to a previously
// returned identifier for a fixed TTL window (scope "single" or "bulk").
type IdempotencyStore interface {
	// Lookup returns the stored value for scope/key, if any.
	Lookup(ctx Context, scope, key string) (value string, found bool, err error)
	// Store records value for scope/key with the given TTL. Must be called
	// only after the enqueue it guards has succeeded.
	Store(ctx Context, scope, key, value string, ttl time.Duration) error
}

// WorkerClient is the port over one worker's HTTP protocol (§4.B).
type WorkerClient interface {
	Health(ctx Context, w WorkerEndpoint) WorkerHealth
	Search(ctx Context, w WorkerEndpoint, prompt string) Outcome
}

// OutcomeKind is the closed tagged-variant discriminant for a worker's
// response to a search request (spec §9: "dynamic-typed result shapes ->
// tagged variants").
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeEmpty
	OutcomeBlocked
	OutcomeBusy
	OutcomeTransient
)

// Outcome is the closed sum type returned by WorkerClient.Search.
type Outcome struct {
	Kind    OutcomeKind
	Result  Result // populated for OutcomeSuccess/OutcomeEmpty
	Reason  string // populated for OutcomeBlocked
	Err     error  // populated for OutcomeTransient
}

// IsTerminalSuccess reports whether the outcome represents a completed
// dispatch (success or empty, per spec §4.B).
func (o Outcome) IsTerminalSuccess() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeEmpty
}

// Dispatcher is the port implemented by the dispatch loop (§4.C).
type Dispatcher interface {
	// Dispatch selects a free worker, issues the search, and retries across
	// workers until a terminal outcome, the context deadline, or the
	// implementation's attempt budget is reached. It never
	// returns partial success: either Result is populated or err wraps
	// ErrUpstreamExhausted / ErrInvalidArgument.
	Dispatch(ctx Context, jobID, prompt string, workerHint int, onProgress func(Progress)) (Result, error)
}
