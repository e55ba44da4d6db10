package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskmaster/domain"
)

func TestDecodeTaskEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"u1","RowKey":"t1","odata.etag":"W/\"1\"","Category":"work","Order":2,"CreatedAt":"1700000000000","CreatedAt@odata.type":"Edm.Int64","Title":"Write","Done":true}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != "t1" || task.Owner != "u1" || task.Order != 2 || task.CreatedAt != 1700000000000 || !task.Done {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Version != `W/"1"` {
		t.Fatalf("expected etag as version, got %q", task.Version)
	}
}

func TestTaskEntityKeepsExtraFields(t *testing.T) {
	ent, err := toEntity("u1", domain.Task{ID: "t1", Title: "Write", Extra: map[string]json.RawMessage{"priority": json.RawMessage(`"high"`)}})
	if err != nil {
		t.Fatalf("to entity: %v", err)
	}
	data, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(task.Extra["priority"]) != `"high"` || len(task.Extra) != 1 {
		t.Fatalf("unexpected extra: %v", task.Extra)
	}

	if _, err := decodeTaskEntity([]byte(`{"RowKey":"t2","Extra":"{broken"}`)); err == nil {
		t.Fatalf("expected error for malformed extra")
	}
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	if got := quote("o'brien"); got != "'o''brien'" {
		t.Fatalf("quote = %s", got)
	}
}

func TestBuildActionsInsertAtTop(t *testing.T) {
	buckets := map[string][]domain.Task{
		"work": {
			{ID: "a", Owner: "u1", Category: "work", Order: 0, Version: "ea"},
			{ID: "b", Owner: "u1", Category: "work", Order: 1, Version: "eb"},
		},
	}
	n := domain.Task{ID: "n", Owner: "u1", Category: "work", Order: 0, Title: "new"}
	actions, err := buildActions("u1", []domain.Write{domain.ShiftWrite("work", 0, 1), domain.InsertWrite(n)}, buckets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}

	want := map[string]int{"a": 1, "b": 2, "n": 0}
	for _, a := range actions {
		var ent struct {
			RowKey string
			Order  int
		}
		if err := json.Unmarshal(a.Entity, &ent); err != nil {
			t.Fatalf("decode action: %v", err)
		}
		if want[ent.RowKey] != ent.Order {
			t.Fatalf("task %s at %d, want %d", ent.RowKey, ent.Order, want[ent.RowKey])
		}
		switch ent.RowKey {
		case "n":
			if a.ActionType != aztables.TransactionTypeAdd {
				t.Fatalf("expected insert action for new task")
			}
		default:
			if a.ActionType != aztables.TransactionTypeUpdateMerge || a.IfMatch == nil || string(*a.IfMatch) != "e"+ent.RowKey {
				t.Fatalf("expected etag guarded merge for %s", ent.RowKey)
			}
		}
	}
}

func TestBuildActionsFoldsRepeatedWrites(t *testing.T) {
	buckets := map[string][]domain.Task{
		"work": {{ID: "a", Owner: "u1", Category: "work", Order: 0, Version: "ea"}},
	}
	writes := []domain.Write{
		domain.ShiftWrite("work", 0, 1),
		domain.PositionWrite("a", "home", 5, ""),
	}
	actions, err := buildActions("u1", writes, buckets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action per entity, got %d", len(actions))
	}
	var ent positionEntity
	if err := json.Unmarshal(actions[0].Entity, &ent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ent.Category != "home" || ent.Order != 5 {
		t.Fatalf("unexpected entity: %+v", ent)
	}
	if string(*actions[0].IfMatch) != "ea" {
		t.Fatalf("expected the read etag to guard the write, got %s", *actions[0].IfMatch)
	}
}

type recordingSubmitter struct {
	batches [][]aztables.TransactionAction
	failAt  int
}

func (r *recordingSubmitter) SubmitTransaction(_ context.Context, actions []aztables.TransactionAction, _ *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error) {
	r.batches = append(r.batches, append([]aztables.TransactionAction(nil), actions...))
	if r.failAt > 0 && len(r.batches) == r.failAt {
		return aztables.TransactionResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	return aztables.TransactionResponse{}, nil
}

func largeBucket(n int) []domain.Task {
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.Task{ID: fmt.Sprintf("t%03d", i), Owner: "u1", Category: "work", Order: i, Version: fmt.Sprintf("e%d", i)}
	}
	return tasks
}

func actionOrder(t *testing.T, a aztables.TransactionAction) (string, int) {
	t.Helper()
	var ent struct {
		RowKey string
		Order  int
	}
	if err := json.Unmarshal(a.Entity, &ent); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	return ent.RowKey, ent.Order
}

func TestTableStoreCommitInsertIntoLargeBucket(t *testing.T) {
	sub := &recordingSubmitter{}
	store := &TableStore{batches: sub}
	buckets := map[string][]domain.Task{"work": largeBucket(150)}
	n := domain.Task{ID: "new", Owner: "u1", Category: "work", Order: 0, Title: "top"}

	err := store.commitBuckets(context.Background(), "u1", []domain.Write{domain.ShiftWrite("work", 0, 1), domain.InsertWrite(n)}, buckets)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(sub.batches) != 2 || len(sub.batches[0]) != maxTransactionActions || len(sub.batches[1]) != 51 {
		t.Fatalf("unexpected batch sizes: %d batches", len(sub.batches))
	}

	seen := map[string]int{}
	prev := 1 << 30
	for i, batch := range sub.batches {
		for j, a := range batch {
			id, order := actionOrder(t, a)
			seen[id] = order
			if i == 1 && j == len(batch)-1 {
				if id != "new" || a.ActionType != aztables.TransactionTypeAdd {
					t.Fatalf("expected the insert last, got %s", id)
				}
				continue
			}
			if order >= prev {
				t.Fatalf("shift merges must run highest order first: %d after %d", order, prev)
			}
			prev = order
		}
	}
	if len(seen) != 151 || seen["new"] != 0 || seen["t000"] != 1 || seen["t149"] != 150 {
		t.Fatalf("unexpected final orders: %d entities", len(seen))
	}
}

func TestTableStoreCommitStopsAtFailedChunk(t *testing.T) {
	sub := &recordingSubmitter{failAt: 1}
	store := &TableStore{batches: sub}
	buckets := map[string][]domain.Task{"work": largeBucket(150)}

	err := store.commitBuckets(context.Background(), "u1", []domain.Write{domain.ShiftWrite("work", 0, 1)}, buckets)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(sub.batches) != 1 {
		t.Fatalf("expected no chunk after the failed one, got %d", len(sub.batches))
	}
}

func TestTableStoreCommitSmallBatchIsOneTransaction(t *testing.T) {
	sub := &recordingSubmitter{}
	store := &TableStore{batches: sub}
	buckets := map[string][]domain.Task{"work": largeBucket(99)}
	n := domain.Task{ID: "new", Owner: "u1", Category: "work"}

	if err := store.commitBuckets(context.Background(), "u1", []domain.Write{domain.ShiftWrite("work", 0, 1), domain.InsertWrite(n)}, buckets); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(sub.batches) != 1 || len(sub.batches[0]) != 100 {
		t.Fatalf("expected one transaction of 100 actions, got %d batches", len(sub.batches))
	}
}

func TestTableErrMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusConflict, domain.ErrConflict},
		{http.StatusPreconditionFailed, domain.ErrConflict},
		{http.StatusTooManyRequests, domain.ErrStoreUnavailable},
		{http.StatusServiceUnavailable, domain.ErrStoreUnavailable},
	}
	for _, tt := range tests {
		err := tableErr("op", &azcore.ResponseError{StatusCode: tt.status})
		if !errors.Is(err, tt.want) {
			t.Fatalf("status %d mapped to %v, want %v", tt.status, err, tt.want)
		}
	}
	if err := tableErr("op", errors.New("dial tcp: refused")); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("transport errors should be unavailable, got %v", err)
	}
}
