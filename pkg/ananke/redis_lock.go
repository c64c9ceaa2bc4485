package ananke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

// DefaultLeaseTTL bounds how long a lock survives a holder that died
// without releasing it.
const DefaultLeaseTTL = 5 * time.Minute

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates hosts whose schedulers share a Redis instance.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(addr string, db int, password string) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLocker{client: client, ttl: DefaultLeaseTTL}, nil
}

func (l *RedisLocker) Key(id domain.Identity) string {
	return fmt.Sprintf("styx:lock:%s", id)
}

func (l *RedisLocker) Acquire(ctx context.Context, id domain.Identity, timeout time.Duration) (Release, error) {
	key := l.Key(id)
	token := uuid.NewString()

	err := poll(ctx, timeout, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be canceled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
