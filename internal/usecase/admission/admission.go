// Package admission implements the admission / idempotency layer (spec
// §4.F): before any enqueue with a client-supplied key, check the scoped
// cache; on hit, return the stored identifier without creating new state.
package admission

import (
	"encoding/json"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

const (
	scopeSingle = "single"
	scopeBulk   = "bulk"
)

// SingleEnqueuer is the queue's single-prompt enqueue operation.
type SingleEnqueuer interface {
	Enqueue(ctx domain.Context, prompt string, workerHint, priority int, batchID string, batchIndex, batchTotal int) (string, error)
}

// BulkEnqueuer is the batch coordinator's bulk enqueue operation.
type BulkEnqueuer interface {
	EnqueueBulk(ctx domain.Context, prompts []string, workerHint, priority int) (string, []string, error)
}

// Admission wraps the single and bulk enqueue paths with idempotency.
type Admission struct {
	idem  domain.IdempotencyStore
	queue SingleEnqueuer
	batch BulkEnqueuer
	ttl   time.Duration
}

// New builds the admission layer.
func New(idem domain.IdempotencyStore, queue SingleEnqueuer, batch BulkEnqueuer, ttl time.Duration) *Admission {
	return &Admission{idem: idem, queue: queue, batch: batch, ttl: ttl}
}

// EnqueueSingle admits one prompt, honoring idemKey if supplied.
func (a *Admission) EnqueueSingle(ctx domain.Context, prompt string, workerHint, priority int, idemKey string) (string, error) {
	if idemKey != "" {
		if v, found, err := a.idem.Lookup(ctx, scopeSingle, idemKey); err != nil {
			return "", err
		} else if found {
			return v, nil
		}
	}

	id, err := a.queue.Enqueue(ctx, prompt, workerHint, priority, "", 0, 0)
	if err != nil {
		return "", err
	}

	if idemKey != "" {
		// Best-effort: recorded after successful creation. A race between two
		// concurrent first-time uses of the same key may create two jobs;
		// accepted per spec §4.F.
		_ = a.idem.Store(ctx, scopeSingle, idemKey, id, a.ttl)
	}
	return id, nil
}

type bulkIdemRecord struct {
	BatchID string   `json:"batchId"`
	JobIDs  []string `json:"jobIds"`
}

// EnqueueBulk admits a batch of prompts, honoring idemKey if supplied.
func (a *Admission) EnqueueBulk(ctx domain.Context, prompts []string, workerHint, priority int, idemKey string) (string, []string, error) {
	if idemKey != "" {
		if v, found, err := a.idem.Lookup(ctx, scopeBulk, idemKey); err != nil {
			return "", nil, err
		} else if found {
			var rec bulkIdemRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				return rec.BatchID, rec.JobIDs, nil
			}
		}
	}

	batchID, jobIDs, err := a.batch.EnqueueBulk(ctx, prompts, workerHint, priority)
	if err != nil {
		return "", nil, err
	}

	if idemKey != "" {
		b, err := json.Marshal(bulkIdemRecord{BatchID: batchID, JobIDs: jobIDs})
		if err == nil {
			_ = a.idem.Store(ctx, scopeBulk, idemKey, string(b), a.ttl)
		}
	}
	return batchID, jobIDs, nil
}
