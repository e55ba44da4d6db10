package domain

import "context"

// Store abstracts task persistence. Single-record methods are atomic per
// record; Commit applies a batch of writes for one owner atomically.
type Store interface {
	// GetTask returns ErrNotFound when the id is unknown.
	GetTask(ctx context.Context, id string) (Task, error)
	// FindBucket returns the tasks of one owner and category in any order.
	FindBucket(ctx context.Context, owner, category string) ([]Task, error)
	// ListTasks returns every task of owner in any order.
	ListTasks(ctx context.Context, owner string) ([]Task, error)
	InsertTask(ctx context.Context, t Task) (string, error)
	// UpdateTask applies the user fields of the patch and returns the result.
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	// Commit applies writes in sequence as one unit. Either every write is
	// visible afterwards or none is. A failed precondition returns ErrConflict.
	Commit(ctx context.Context, owner string, writes []Write) error
}

// WriteKind selects the effect of a Write.
type WriteKind int

const (
	// WriteShift adds Delta to the order of every task in the owner's
	// Category bucket whose order is at least From.
	WriteShift WriteKind = iota + 1
	// WriteInsert creates Task. The id must be unused.
	WriteInsert
	// WriteSetPosition sets Category and Order of task ID. When Version is
	// set the task must still be at that version.
	WriteSetPosition
)

// Write is one step of a Commit batch.
type Write struct {
	Kind     WriteKind
	ID       string
	Category string
	Order    int
	From     int
	Delta    int
	Version  string
	Task     Task
}

// ShiftWrite builds a WriteShift step.
func ShiftWrite(category string, from, delta int) Write {
	return Write{Kind: WriteShift, Category: category, From: from, Delta: delta}
}

// InsertWrite builds a WriteInsert step.
func InsertWrite(t Task) Write {
	return Write{Kind: WriteInsert, ID: t.ID, Category: t.Category, Order: t.Order, Task: t}
}

// PositionWrite builds a WriteSetPosition step.
func PositionWrite(id, category string, order int, version string) Write {
	return Write{Kind: WriteSetPosition, ID: id, Category: category, Order: order, Version: version}
}

// Locker serialises mutations of one bucket.
type Locker interface {
	// Lock blocks until key is held or the acquisition timeout passes, in
	// which case it returns ErrConflict. The returned func releases the lock.
	Lock(ctx context.Context, key string) (func(), error)
}

// Event types published after a mutation is committed.
const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskMoved   = "task-moved"
	TaskDeleted = "task-deleted"
)

// Event describes a committed change to a task.
type Event struct {
	Type      string `json:"type"`
	Owner     string `json:"userId"`
	TaskID    string `json:"entityId"`
	Category  string `json:"category,omitempty"`
	Order     int    `json:"order"`
	Timestamp int64  `json:"timestamp"`
}

// EventPublisher forwards committed changes to interested consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish drops ev and always succeeds.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
