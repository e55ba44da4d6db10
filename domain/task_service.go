package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a commit when ServiceConfig leaves it unset.
// Distributed bucket locks must outlive it.
const DefaultWriteTimeout = 30 * time.Second

// ServiceConfig tunes retries and write bounds of the TaskService.
type ServiceConfig struct {
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 20 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// TaskService maintains task ordering within (owner, category) buckets.
type TaskService struct {
	st     Store
	locker Locker
	events EventPublisher
	log    *log.Logger
	cfg    ServiceConfig

	now   func() time.Time
	newID func() string
}

// NewTaskService wires the ordering engine to its collaborators. A nil
// publisher discards events and a nil logger uses the logrus standard logger.
func NewTaskService(st Store, locker Locker, events EventPublisher, logger *log.Logger, cfg ServiceConfig) *TaskService {
	if st == nil {
		panic("domain.NewTaskService: store is nil")
	}
	if locker == nil {
		locker = NewLocalLocker(defaultLockTimeout)
	}
	if events == nil {
		events = NopPublisher{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{
		st:     st,
		locker: locker,
		events: events,
		log:    logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateTask inserts a task at the top (order 0) of the owner's category
// bucket, shifting the existing tasks down by one.
func (s *TaskService) CreateTask(ctx context.Context, owner, category string, in NewTask) (Task, error) {
	if owner == "" {
		return Task{}, ErrUnauthorized
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return Task{}, fmt.Errorf("%w: category is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Title) == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}

	var created Task
	err := s.retry(ctx, "create", func(ctx context.Context) error {
		return s.withBuckets(ctx, []string{BucketKey(owner, category)}, func(ctx context.Context) error {
			t := Task{
				ID:          s.newID(),
				Owner:       owner,
				Category:    category,
				Order:       0,
				CreatedAt:   s.now().UnixMilli(),
				Title:       in.Title,
				Description: in.Description,
				Deadline:    in.Deadline,
				Done:        in.Done,
				Extra:       in.Extra,
			}
			writes := []Write{ShiftWrite(category, 0, 1), InsertWrite(t)}
			if err := s.commit(ctx, owner, writes); err != nil {
				return err
			}
			created = t
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(ctx, Event{Type: TaskCreated, Owner: owner, TaskID: created.ID, Category: category, Order: 0})
	return created, nil
}

// ListTasks returns all tasks of owner sorted ascending by order.
func (s *TaskService) ListTasks(ctx context.Context, owner string) ([]Task, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	tasks, err := s.st.ListTasks(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	SortTasks(out)
	return out, nil
}

// ListBucket returns the tasks of one category of owner sorted by order.
func (s *TaskService) ListBucket(ctx context.Context, owner, category string) ([]Task, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	tasks, err := s.st.FindBucket(ctx, owner, category)
	if err != nil {
		return nil, err
	}
	SortTasks(tasks)
	return tasks, nil
}

// UpdateTaskFields overwrites the supplied user fields of a task owned by owner.
func (s *TaskService) UpdateTaskFields(ctx context.Context, taskID, owner string, patch TaskPatch) (Task, error) {
	if owner == "" {
		return Task{}, ErrUnauthorized
	}
	if patch.Owner != nil && *patch.Owner != owner {
		return Task{}, fmt.Errorf("%w: task owner cannot be changed", ErrForbidden)
	}
	if patch.Category != nil || patch.Order != nil {
		return Task{}, fmt.Errorf("%w: category and order change through a move", ErrInvalidArgument)
	}
	if patch.Empty() {
		return Task{}, fmt.Errorf("%w: no fields to update", ErrInvalidArgument)
	}
	if _, err := s.owned(ctx, taskID, owner); err != nil {
		return Task{}, err
	}
	updated, err := s.st.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return Task{}, err
	}
	s.publish(ctx, Event{Type: TaskUpdated, Owner: owner, TaskID: taskID, Category: updated.Category, Order: updated.Order})
	return updated, nil
}

// DeleteTask removes a task owned by owner. The remaining orders of its
// bucket are left as they are.
func (s *TaskService) DeleteTask(ctx context.Context, taskID, owner string) error {
	if owner == "" {
		return ErrUnauthorized
	}
	t, err := s.owned(ctx, taskID, owner)
	if err != nil {
		return err
	}
	if err := s.st.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.publish(ctx, Event{Type: TaskDeleted, Owner: owner, TaskID: taskID, Category: t.Category, Order: t.Order})
	return nil
}

// MoveTask places the active task at overIndex among the other tasks of the
// target category. Tasks at or after that position move down one slot
// keeping their relative order, and the target bucket is renumbered from 0.
func (s *TaskService) MoveTask(ctx context.Context, owner, activeID, targetCategory string, overIndex int) (Task, error) {
	if owner == "" {
		return Task{}, ErrUnauthorized
	}
	targetCategory = strings.TrimSpace(targetCategory)
	if targetCategory == "" {
		return Task{}, fmt.Errorf("%w: target category is required", ErrInvalidArgument)
	}
	if overIndex < 0 {
		return Task{}, fmt.Errorf("%w: negative index %d", ErrInvalidArgument, overIndex)
	}

	var moved Task
	err := s.retry(ctx, "move", func(ctx context.Context) error {
		active, err := s.owned(ctx, activeID, owner)
		if err != nil {
			return err
		}
		source := active.Category
		keys := []string{BucketKey(owner, targetCategory)}
		if source != targetCategory {
			keys = append(keys, BucketKey(owner, source))
		}
		return s.withBuckets(ctx, keys, func(ctx context.Context) error {
			current, err := s.owned(ctx, activeID, owner)
			if err != nil {
				return err
			}
			if current.Category != source {
				return fmt.Errorf("%w: task %s changed category during move", ErrConflict, activeID)
			}
			bucket, err := s.st.FindBucket(ctx, owner, targetCategory)
			if err != nil {
				return err
			}
			writes, placed, err := planMove(current, bucket, targetCategory, overIndex)
			if err != nil {
				return err
			}
			if len(writes) > 0 {
				if err := s.commit(ctx, owner, writes); err != nil {
					return err
				}
			}
			moved = placed
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(ctx, Event{Type: TaskMoved, Owner: owner, TaskID: moved.ID, Category: moved.Category, Order: moved.Order})
	return moved, nil
}

// planMove computes the writes that put active at index k of the target
// bucket. The active task is excluded from the bucket snapshot so a move
// within one category never processes it twice.
func planMove(active Task, bucket []Task, target string, k int) ([]Write, Task, error) {
	others := make([]Task, 0, len(bucket))
	for _, t := range bucket {
		if t.ID != active.ID {
			others = append(others, t)
		}
	}
	SortTasks(others)
	if k > len(others) {
		k = len(others)
	}

	final := make([]Task, 0, len(others)+1)
	final = append(final, others[:k]...)
	final = append(final, active)
	final = append(final, others[k:]...)

	var writes []Write
	for i := range final {
		t := &final[i]
		if t.ID == active.ID {
			if t.Order != i || t.Category != target {
				writes = append(writes, PositionWrite(t.ID, target, i, t.Version))
			}
		} else if t.Order != i {
			writes = append(writes, PositionWrite(t.ID, target, i, t.Version))
		}
		t.Category = target
		t.Order = i
	}
	if err := CheckBucket(final); err != nil {
		return nil, Task{}, fmt.Errorf("move plan: %w", err)
	}
	placed := final[k]
	return writes, placed, nil
}

// owned loads a task and checks it belongs to owner.
func (s *TaskService) owned(ctx context.Context, taskID, owner string) (Task, error) {
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task id is required", ErrInvalidArgument)
	}
	t, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Owner != owner {
		s.log.WithFields(log.Fields{"task": taskID, "owner": owner}).Warn("task access by non-owner")
		return Task{}, ErrForbidden
	}
	return t, nil
}

// withBuckets runs fn while holding the locks of every key. Keys are locked
// in sorted order so overlapping moves cannot deadlock.
func (s *TaskService) withBuckets(ctx context.Context, keys []string, fn func(context.Context) error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			return err
		}
		unlocks = append(unlocks, unlock)
	}
	return fn(ctx)
}

// commit applies a batch. Once started it is not cancelled by the caller
// going away, so a bucket is never left half written.
func (s *TaskService) commit(ctx context.Context, owner string, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	return s.st.Commit(wctx, owner, writes)
}

// retry reruns the whole bucket sequence after a conflict.
func (s *TaskService) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		wait := exponentialBackoff(attempt, s.cfg.RetryInitial, s.cfg.RetryMax)
		s.log.WithFields(log.Fields{"op": op, "attempt": attempt, "wait": wait}).WithError(err).Debug("retrying after conflict")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.log.WithFields(log.Fields{"op": op, "attempts": s.cfg.MaxAttempts}).WithError(err).Warn("giving up after conflicts")
	return err
}

func (s *TaskService) publish(ctx context.Context, ev Event) {
	ev.Timestamp = s.now().UnixMilli()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.log.WithFields(log.Fields{"type": ev.Type, "task": ev.TaskID, "owner": ev.Owner}).WithError(err).Error("failed to publish task event")
	}
}
