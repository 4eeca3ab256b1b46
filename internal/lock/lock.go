// Package lock provides short-lived named locks used to serialise
// activation of a single schedule across API replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrEmptyKey   = errors.New("lock_key_empty")
	ErrInvalidTTL = errors.New("lock_ttl_invalid")
)

// Locker hands out a token on success; the same token must be passed to
// Release so a lock that expired and was re-acquired is never freed by the
// previous holder.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// ScheduleActivationKey names the lock guarding a schedule's activation.
func ScheduleActivationKey(scheduleID fmt.Stringer) string {
	return "cobro:schedule:activate:" + scheduleID.String()
}

// New returns a redis-backed locker, or an in-process one when redis is
// not configured.
func New(client *redis.Client) Locker {
	if client == nil {
		return NewMemory()
	}
	return NewRedis(client)
}

type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRedis(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type held struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker serialises callers within one process only.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

func NewMemory() *MemoryLocker {
	return &MemoryLocker{locks: map[string]held{}, now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.locks[key]; ok && now.Before(current.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = held{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.locks[key]; ok && current.token == token {
		delete(l.locks, key)
	}
	return nil
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
