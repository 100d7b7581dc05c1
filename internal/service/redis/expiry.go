package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ExpiredBuckets returns the expiry epochs with score at or below now,
// oldest first.
func (s *Store) ExpiredBuckets(ctx context.Context, now int64) ([]int64, error) {
	var epochs []int64
	err := s.withRetry(ctx, func() error {
		members, err := s.rdb.ZRangeByScore(ctx, "MSG_EXPIRY", &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now, 10)}).Result()
		if err != nil {
			return err
		}
		epochs = epochs[:0]
		for _, m := range members {
			epoch, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			epochs = append(epochs, epoch)
		}
		return nil
	})
	return epochs, err
}

// BucketMembers lists the message hashes expiring at the given epoch.
func (s *Store) BucketMembers(ctx context.Context, epoch int64) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, func() error {
		var err error
		members, err = s.rdb.SMembers(ctx, "MSG_EXPIRY:"+strconv.FormatInt(epoch, 10)).Result()
		return err
	})
	return members, err
}

// RemoveBucket drops an emptied expiry bucket and its index entry.
func (s *Store) RemoveBucket(ctx context.Context, epoch int64) error {
	key := strconv.FormatInt(epoch, 10)
	return s.withRetry(ctx, func() error {
		if err := s.rdb.Del(ctx, "MSG_EXPIRY:"+key).Err(); err != nil {
			return err
		}
		return s.rdb.ZRem(ctx, "MSG_EXPIRY", key).Err()
	})
}
