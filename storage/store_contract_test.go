package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"taskmaster/domain"
)

type storeFactory func(t *testing.T) domain.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) domain.Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) domain.Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite-memory": func(t *testing.T) domain.Store {
			s, err := OpenSQLite(":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func seed(t *testing.T, st domain.Store, tasks ...domain.Task) {
	t.Helper()
	for _, task := range tasks {
		if _, err := st.InsertTask(context.Background(), task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}
}

func orders(t *testing.T, st domain.Store, owner, category string) map[string]int {
	t.Helper()
	tasks, err := st.FindBucket(context.Background(), owner, category)
	if err != nil {
		t.Fatalf("find bucket: %v", err)
	}
	out := make(map[string]int, len(tasks))
	for _, task := range tasks {
		out[task.ID] = task.Order
	}
	return out
}

func sameOrders(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func TestStoreInsertGet(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			in := domain.Task{ID: "t1", Owner: "u1", Category: "work", Order: 0, CreatedAt: 10, Title: "a", Description: "d", Deadline: "2025-01-01", Done: true}
			seed(t, st, in)

			got, err := st.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Version == "" {
				t.Fatalf("expected a version")
			}
			got.Version = ""
			if !reflect.DeepEqual(got, in) {
				t.Fatalf("unexpected task: %+v", got)
			}

			if _, err := st.InsertTask(ctx, in); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("expected conflict on duplicate id, got %v", err)
			}
			if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreFindBucketFilters(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			seed(t, st,
				domain.Task{ID: "a", Owner: "u1", Category: "work", Order: 0, Title: "a"},
				domain.Task{ID: "b", Owner: "u1", Category: "home", Order: 0, Title: "b"},
				domain.Task{ID: "c", Owner: "u2", Category: "work", Order: 0, Title: "c"},
			)
			if got := orders(t, st, "u1", "work"); !sameOrders(got, map[string]int{"a": 0}) {
				t.Fatalf("unexpected bucket: %v", got)
			}
			all, err := st.ListTasks(context.Background(), "u1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 tasks of u1, got %d", len(all))
			}
		})
	}
}

func TestStoreCommitShiftAndInsert(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			seed(t, st,
				domain.Task{ID: "a", Owner: "u1", Category: "work", Order: 0, Title: "a"},
				domain.Task{ID: "b", Owner: "u1", Category: "work", Order: 1, Title: "b"},
				domain.Task{ID: "h", Owner: "u1", Category: "home", Order: 0, Title: "h"},
				domain.Task{ID: "x", Owner: "u2", Category: "work", Order: 0, Title: "x"},
			)
			n := domain.Task{ID: "n", Owner: "u1", Category: "work", Order: 0, Title: "n"}
			err := st.Commit(context.Background(), "u1", []domain.Write{domain.ShiftWrite("work", 0, 1), domain.InsertWrite(n)})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}
			if got := orders(t, st, "u1", "work"); !sameOrders(got, map[string]int{"n": 0, "a": 1, "b": 2}) {
				t.Fatalf("unexpected work bucket: %v", got)
			}
			if got := orders(t, st, "u1", "home"); !sameOrders(got, map[string]int{"h": 0}) {
				t.Fatalf("home bucket changed: %v", got)
			}
			if got := orders(t, st, "u2", "work"); !sameOrders(got, map[string]int{"x": 0}) {
				t.Fatalf("other owner changed: %v", got)
			}
		})
	}
}

func TestStoreCommitIsAtomic(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			seed(t, st,
				domain.Task{ID: "a", Owner: "u1", Category: "work", Order: 0, Title: "a"},
				domain.Task{ID: "b", Owner: "u1", Category: "work", Order: 1, Title: "b"},
			)
			dup := domain.Task{ID: "a", Owner: "u1", Category: "work", Title: "dup"}
			err := st.Commit(context.Background(), "u1", []domain.Write{domain.ShiftWrite("work", 0, 1), domain.InsertWrite(dup)})
			if !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if got := orders(t, st, "u1", "work"); !sameOrders(got, map[string]int{"a": 0, "b": 1}) {
				t.Fatalf("failed commit left partial writes: %v", got)
			}
		})
	}
}

func TestStoreCommitVersionPrecondition(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			seed(t, st,
				domain.Task{ID: "a", Owner: "u1", Category: "work", Order: 0, Title: "a"},
				domain.Task{ID: "b", Owner: "u1", Category: "work", Order: 1, Title: "b"},
			)
			a, _ := st.GetTask(ctx, "a")
			b, _ := st.GetTask(ctx, "b")

			title := "changed"
			if _, err := st.UpdateTask(ctx, "b", domain.TaskPatch{Title: &title}); err != nil {
				t.Fatalf("update: %v", err)
			}

			err := st.Commit(ctx, "u1", []domain.Write{
				domain.PositionWrite("a", "work", 1, a.Version),
				domain.PositionWrite("b", "work", 0, b.Version),
			})
			if !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("expected conflict on stale version, got %v", err)
			}
			if got := orders(t, st, "u1", "work"); !sameOrders(got, map[string]int{"a": 0, "b": 1}) {
				t.Fatalf("failed commit left partial writes: %v", got)
			}

			b, _ = st.GetTask(ctx, "b")
			err = st.Commit(ctx, "u1", []domain.Write{
				domain.PositionWrite("a", "home", 0, a.Version),
				domain.PositionWrite("b", "work", 0, b.Version),
			})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}
			if got := orders(t, st, "u1", "home"); !sameOrders(got, map[string]int{"a": 0}) {
				t.Fatalf("unexpected home bucket: %v", got)
			}
			if got := orders(t, st, "u1", "work"); !sameOrders(got, map[string]int{"b": 0}) {
				t.Fatalf("unexpected work bucket: %v", got)
			}
		})
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			seed(t, st, domain.Task{ID: "a", Owner: "u1", Category: "work", Order: 3, Title: "a"})
			before, _ := st.GetTask(ctx, "a")

			done := true
			desc := "details"
			got, err := st.UpdateTask(ctx, "a", domain.TaskPatch{Done: &done, Description: &desc})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if !got.Done || got.Description != "details" || got.Title != "a" || got.Order != 3 {
				t.Fatalf("unexpected update result: %+v", got)
			}
			if got.Version == before.Version {
				t.Fatalf("expected version to change")
			}
			if _, err := st.UpdateTask(ctx, "missing", domain.TaskPatch{Done: &done}); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			if err := st.DeleteTask(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteTask(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
		})
	}
}

func TestStoreCommitHonoursContext(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err := st.Commit(ctx, "u1", []domain.Write{domain.InsertWrite(domain.Task{ID: "a", Owner: "u1", Category: "work", Title: "a"})})
			if err == nil {
				t.Fatalf("expected error on cancelled context")
			}
			if _, err := st.GetTask(context.Background(), "a"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("cancelled commit should not write, got %v", err)
			}
		})
	}
}

func TestStoreKeepsExtraFields(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			seed(t, st, domain.Task{
				ID: "a", Owner: "u1", Category: "work", Title: "a",
				Extra: map[string]json.RawMessage{"priority": json.RawMessage(`"high"`), "tags": json.RawMessage(`["x"]`)},
			})

			got, err := st.GetTask(ctx, "a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got.Extra["priority"]) != `"high"` || string(got.Extra["tags"]) != `["x"]` {
				t.Fatalf("unexpected extra after insert: %v", got.Extra)
			}

			got, err = st.UpdateTask(ctx, "a", domain.TaskPatch{Extra: map[string]json.RawMessage{
				"priority": json.RawMessage(`"low"`),
				"tags":     json.RawMessage(`null`),
				"estimate": json.RawMessage(`3`),
			}})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			want := map[string]string{"priority": `"low"`, "estimate": `3`}
			if len(got.Extra) != len(want) {
				t.Fatalf("unexpected extra after update: %v", got.Extra)
			}
			for k, v := range want {
				if string(got.Extra[k]) != v {
					t.Fatalf("extra %s: want %s got %s", k, v, got.Extra[k])
				}
			}

			tasks, err := st.FindBucket(ctx, "u1", "work")
			if err != nil || len(tasks) != 1 {
				t.Fatalf("find bucket: %v %v", tasks, err)
			}
			if string(tasks[0].Extra["priority"]) != `"low"` {
				t.Fatalf("bucket read lost extra: %v", tasks[0].Extra)
			}
		})
	}
}
