package api

import (
	"context"
	"time"

	"taskmaster/domain"
)

// TaskService is the ordering engine used by the handlers.
type TaskService interface {
	CreateTask(ctx context.Context, owner, category string, in domain.NewTask) (domain.Task, error)
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	ListBucket(ctx context.Context, owner, category string) ([]domain.Task, error)
	UpdateTaskFields(ctx context.Context, taskID, owner string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID, owner string) error
	MoveTask(ctx context.Context, owner, activeID, targetCategory string, overIndex int) (domain.Task, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// TokenIssuer signs session tokens for the local login endpoint.
type TokenIssuer interface {
	IssueToken(userID string) (string, time.Time, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// UserDirectory records users the first time they sign in locally.
type UserDirectory interface {
	Remember(ctx context.Context, u User) (bool, error)
}
