package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func oobKey(id string) string { return "OOB:" + id }

// PutInvite stores an out-of-band invitation payload under its id.
func (s *Store) PutInvite(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Set(ctx, oobKey(id), payload, ttl).Err()
	})
}

// Invite fetches an invitation payload, or nil when unknown or expired.
func (s *Store) Invite(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.withRetry(ctx, func() error {
		data, err := s.rdb.Get(ctx, oobKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				payload = nil
				return nil
			}
			return err
		}
		payload = data
		return nil
	})
	return payload, err
}

// DeleteInvite removes an invitation before its TTL.
func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Del(ctx, oobKey(id)).Err()
	})
}
