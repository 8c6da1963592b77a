package admission

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

type fakeIdem struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{vals: map[string]string{}} }

func (f *fakeIdem) Lookup(_ domain.Context, scope, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[scope+":"+key]
	return v, ok, nil
}

func (f *fakeIdem) Store(_ domain.Context, scope, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[scope+":"+key] = value
	return nil
}

type fakeSingleQueue struct {
	calls int
}

func (f *fakeSingleQueue) Enqueue(_ domain.Context, _ string, _, _ int, _ string, _, _ int) (string, error) {
	f.calls++
	return fmt.Sprintf("job-%d", f.calls), nil
}

type fakeBulkQueue struct {
	calls int
}

func (f *fakeBulkQueue) EnqueueBulk(_ domain.Context, prompts []string, _, _ int) (string, []string, error) {
	f.calls++
	batchID := fmt.Sprintf("batch-%d", f.calls)
	ids := make([]string, len(prompts))
	for i := range prompts {
		ids[i] = fmt.Sprintf("%s-job-%d", batchID, i)
	}
	return batchID, ids, nil
}

func TestAdmission_EnqueueSingle_NoIdemKeyAlwaysCreatesNew(t *testing.T) {
	q := &fakeSingleQueue{}
	a := New(newFakeIdem(), q, &fakeBulkQueue{}, time.Minute)

	id1, err := a.EnqueueSingle(t.Context(), "p", 0, 0, "")
	if err != nil {
		t.Fatalf("EnqueueSingle failed: %v", err)
	}
	id2, err := a.EnqueueSingle(t.Context(), "p", 0, 0, "")
	if err != nil {
		t.Fatalf("EnqueueSingle failed: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct jobs without an idempotency key")
	}
	if q.calls != 2 {
		t.Fatalf("expected 2 enqueue calls, got %d", q.calls)
	}
}

func TestAdmission_EnqueueSingle_IdemKeyReplaysResult(t *testing.T) {
	q := &fakeSingleQueue{}
	a := New(newFakeIdem(), q, &fakeBulkQueue{}, time.Minute)

	id1, err := a.EnqueueSingle(t.Context(), "p", 0, 0, "key-1")
	if err != nil {
		t.Fatalf("EnqueueSingle failed: %v", err)
	}
	id2, err := a.EnqueueSingle(t.Context(), "p", 0, 0, "key-1")
	if err != nil {
		t.Fatalf("EnqueueSingle failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected replayed job id, got %q then %q", id1, id2)
	}
	if q.calls != 1 {
		t.Fatalf("expected exactly 1 enqueue call, got %d", q.calls)
	}
}

func TestAdmission_EnqueueBulk_IdemKeyReplaysResult(t *testing.T) {
	bq := &fakeBulkQueue{}
	a := New(newFakeIdem(), &fakeSingleQueue{}, bq, time.Minute)

	batchID1, ids1, err := a.EnqueueBulk(t.Context(), []string{"a", "b"}, 0, 0, "bkey")
	if err != nil {
		t.Fatalf("EnqueueBulk failed: %v", err)
	}
	batchID2, ids2, err := a.EnqueueBulk(t.Context(), []string{"a", "b"}, 0, 0, "bkey")
	if err != nil {
		t.Fatalf("EnqueueBulk failed: %v", err)
	}
	if batchID1 != batchID2 || len(ids1) != len(ids2) {
		t.Fatalf("expected replayed batch, got %q/%v then %q/%v", batchID1, ids1, batchID2, ids2)
	}
	if bq.calls != 1 {
		t.Fatalf("expected exactly 1 bulk enqueue call, got %d", bq.calls)
	}
}
