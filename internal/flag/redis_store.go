package flag

import (
	"context"
	"fmt"
	"time"
)

const redisKeyPrefix = "verified:"

// RedisBackend is the subset of client.RedisClient the store needs.
type RedisBackend interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisStore shares flags between widget host replicas.
type RedisStore struct {
	redis RedisBackend
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisStore(redis RedisBackend, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{redis: redis, ttl: ttl, now: time.Now}
}

// Mark writes the flag. An existing flag keeps its original expiry.
func (s *RedisStore) Mark(ctx context.Context, subject string) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if _, err := s.redis.SetNX(ctx, redisKeyPrefix+subject, s.now().UTC().Format(time.RFC3339), s.ttl); err != nil {
		return fmt.Errorf("set verification flag: %w", err)
	}
	return nil
}

func (s *RedisStore) IsMarked(ctx context.Context, subject string) (bool, error) {
	if subject == "" {
		return false, nil
	}
	exists, err := s.redis.Exists(ctx, redisKeyPrefix+subject)
	if err != nil {
		return false, fmt.Errorf("read verification flag: %w", err)
	}
	return exists, nil
}
