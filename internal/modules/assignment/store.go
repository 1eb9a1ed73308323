// README: Redis markers for automatic assignment attempts.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"shuttle/internal/types"
)

const attemptKeyPrefix = "assignment:trip:%s:attempted_at"

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// RecordAttempt stores when the matcher last tried tripID.
func (s *Store) RecordAttempt(ctx context.Context, tripID types.ID, at time.Time) error {
	key := fmt.Sprintf(attemptKeyPrefix, tripID)
	return s.redis.Set(ctx, key, at.UnixMilli(), attemptTTL).Err()
}

func (s *Store) LastAttempt(ctx context.Context, tripID types.ID) (time.Time, bool, error) {
	key := fmt.Sprintf(attemptKeyPrefix, tripID)
	v, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) ClearAttempt(ctx context.Context, tripID types.ID) error {
	return s.redis.Del(ctx, fmt.Sprintf(attemptKeyPrefix, tripID)).Err()
}
