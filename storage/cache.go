package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskmaster/domain"
)

// generationTTL bounds how long an idle owner's generation counter lives. It
// must outlast any single read-through fill.
const generationTTL = 24 * time.Hour

// fillScript stores the list only if the owner's generation is unchanged
// since the read began, so a fill racing an eviction is dropped.
var fillScript = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "") ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// Cache wraps a Store with a Redis-backed cache of each owner's task list.
// Every write bumps the owner's generation and evicts the entry.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) FindBucket(ctx context.Context, owner, category string) ([]domain.Task, error) {
	return c.base.FindBucket(ctx, owner, category)
}

func (c *Cache) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, owner); ok {
		return tasks, nil
	}

	gen, genOK := c.generation(ctx, owner)
	tasks, err := c.base.ListTasks(ctx, owner)
	if err != nil {
		return nil, err
	}

	if genOK {
		c.storeTasks(ctx, owner, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	id, err := c.base.InsertTask(ctx, t)
	if err != nil {
		return "", err
	}
	c.evict(ctx, t.Owner)
	return id, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := c.base.UpdateTask(ctx, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, t.Owner)
	return t, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	t, err := c.base.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evict(ctx, t.Owner)
	return nil
}

func (c *Cache) Commit(ctx context.Context, owner string, writes []domain.Write) error {
	err := c.base.Commit(ctx, owner, writes)
	// A failed commit may still have reached the backend before erroring.
	c.evict(ctx, owner)
	return err
}

func (c *Cache) loadTasksFromCache(ctx context.Context, owner string) ([]domain.Task, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		}
		return nil, false
	}
	var entries []cachedTask
	if err := json.Unmarshal(data, &entries); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		return nil, false
	}
	tasks := make([]domain.Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.task()
	}
	return tasks, true
}

func (c *Cache) generation(ctx context.Context, owner string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(owner)).Result()
	if err == redis.Nil {
		return "", true
	}
	return gen, err == nil
}

func (c *Cache) storeTasks(ctx context.Context, owner, gen string, tasks []domain.Task) {
	entries := make([]cachedTask, len(tasks))
	for i, t := range tasks {
		entries[i] = newCachedTask(t)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	keys := []string{generationKey(owner), tasksCacheKey(owner)}
	_ = fillScript.Run(ctx, c.redis, keys, gen, data, c.ttl.Milliseconds()).Err()
}

func (c *Cache) evict(ctx context.Context, owner string) {
	if c.redis == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(owner))
		pipe.Expire(ctx, generationKey(owner), generationTTL)
		pipe.Del(ctx, tasksCacheKey(owner))
		return nil
	})
}

// cachedTask keeps the version, which the task JSON omits.
type cachedTask struct {
	Task    domain.Task `json:"task"`
	Version string      `json:"version"`
}

func newCachedTask(t domain.Task) cachedTask {
	return cachedTask{Task: t, Version: t.Version}
}

func (c cachedTask) task() domain.Task {
	t := c.Task
	t.Version = c.Version
	return t
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

func generationKey(owner string) string {
	return "tasks:gen:" + owner
}
