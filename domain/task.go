package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Task represents a single board item owned by one user.
type Task struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Category    string `json:"category"`
	Order       int    `json:"order"`
	CreatedAt   int64  `json:"createdAt"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Done        bool   `json:"done,omitempty"`

	// Extra holds user-supplied fields the engine never reads. They are
	// stored and returned alongside the typed fields.
	Extra map[string]json.RawMessage `json:"-"`

	// Version is the store revision the task was read at.
	Version string `json:"-"`
}

// NewTask carries the user supplied payload of a task being created.
type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Done        bool   `json:"done,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// TaskPatch carries partial updates for a task. Owner, Category and Order are
// present so that attempts to change them can be rejected.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	Done        *bool   `json:"done,omitempty"`

	// Extra changes user-supplied fields; a JSON null removes a key.
	Extra map[string]json.RawMessage `json:"-"`

	Owner    *string `json:"owner,omitempty"`
	Category *string `json:"category,omitempty"`
	Order    *int    `json:"order,omitempty"`
}

// Empty reports whether the patch changes no user field.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Deadline == nil && p.Done == nil && len(p.Extra) == 0
}

// Apply copies the user fields of the patch onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Deadline != nil {
		t.Deadline = *p.Deadline
	}
	if p.Done != nil {
		t.Done = *p.Done
	}
	t.Extra = MergeExtra(t.Extra, p.Extra)
}

// BucketKey identifies the ordering bucket of owner and category.
func BucketKey(owner, category string) string {
	return owner + "\x00" + category
}

// SortTasks orders tasks ascending by Order. Ties, which only appear in data
// written outside the engine, fall back to creation time and id.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// CheckBucket verifies that tasks form a valid bucket: one owner, one
// category, non-negative and unique orders.
func CheckBucket(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	owner, category := tasks[0].Owner, tasks[0].Category
	seen := make(map[int]string, len(tasks))
	for _, t := range tasks {
		if t.Owner != owner || t.Category != category {
			return fmt.Errorf("task %s is outside bucket %s/%s", t.ID, owner, category)
		}
		if t.Order < 0 {
			return fmt.Errorf("task %s has negative order %d", t.ID, t.Order)
		}
		if other, ok := seen[t.Order]; ok {
			return fmt.Errorf("tasks %s and %s share order %d", other, t.ID, t.Order)
		}
		seen[t.Order] = t.ID
	}
	return nil
}
