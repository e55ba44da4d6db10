package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const usersKey = "users"

// User is the profile kept for a user on first login.
type User struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// RedisUserDirectory keeps one hash field per user email.
type RedisUserDirectory struct {
	client *redis.Client
}

// NewRedisUserDirectory creates a directory stored in the "users" hash.
func NewRedisUserDirectory(client *redis.Client) *RedisUserDirectory {
	return &RedisUserDirectory{client: client}
}

// Remember stores the user unless the email is already known. It returns
// true for a first login.
func (d *RedisUserDirectory) Remember(ctx context.Context, u User) (bool, error) {
	data, err := sonic.ConfigStd.MarshalToString(u)
	if err != nil {
		return false, err
	}
	return d.client.HSetNX(ctx, usersKey, strings.ToLower(u.Email), data).Result()
}

// MemoryUserDirectory is the process-local directory used without Redis.
type MemoryUserDirectory struct {
	mu    sync.Mutex
	users map[string]User
}

// NewMemoryUserDirectory creates an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[string]User)}
}

func (d *MemoryUserDirectory) Remember(_ context.Context, u User) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := d.users[key]; ok {
		return false, nil
	}
	d.users[key] = u
	return true, nil
}

// Len returns the number of known users.
func (d *MemoryUserDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

func newUser(email, name string) User {
	return User{Email: email, Name: strings.TrimSpace(name), CreatedAt: time.Now().UnixMilli()}
}
