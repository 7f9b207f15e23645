package repositories

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "presence:status"

// RedisPresenceStore keeps presence in a single Redis hash keyed by user id.
type RedisPresenceStore struct {
	client *redis.Client
}

// NewRedisPresenceStore constructs a RedisPresenceStore.
func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

// SetStatus overwrites the status of userID.
func (s *RedisPresenceStore) SetStatus(ctx context.Context, userID int, status string) error {
	return s.client.HSet(ctx, presenceKey, strconv.Itoa(userID), status).Err()
}

// Statuses returns the stored status of each user in userIDs that has one.
func (s *RedisPresenceStore) Statuses(ctx context.Context, userIDs []int) (map[int]string, error) {
	result := make(map[int]string, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	fields := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		fields = append(fields, strconv.Itoa(id))
	}
	values, err := s.client.HMGet(ctx, presenceKey, fields...).Result()
	if err != nil {
		return nil, err
	}
	for i, val := range values {
		if status, ok := val.(string); ok {
			result[userIDs[i]] = status
		}
	}
	return result, nil
}
