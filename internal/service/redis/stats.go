package redis

import (
	"context"
	"strconv"

	"didcomm_mediator/internal/model"
)

// GlobalStats reads the mediator-wide counter snapshot.
func (s *Store) GlobalStats(ctx context.Context) (*model.GlobalStats, error) {
	var stats model.GlobalStats
	err := s.withRetry(ctx, func() error {
		fields, err := s.rdb.HGetAll(ctx, "GLOBAL").Result()
		if err != nil {
			return err
		}
		get := func(field string) int64 {
			n, _ := strconv.ParseInt(fields[field], 10, 64)
			return n
		}
		stats = model.GlobalStats{
			ReceivedBytes: get("RECEIVED_BYTES"),
			ReceivedCount: get("RECEIVED_COUNT"),
			DeletedBytes:  get("DELETED_BYTES"),
			DeletedCount:  get("DELETED_COUNT"),
			Sessions:      get("SESSIONS"),
			WebSockets:    get("WEBSOCKETS"),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// IncrSessions bumps the authenticated session counter.
func (s *Store) IncrSessions(ctx context.Context) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.HIncrBy(ctx, "GLOBAL", "SESSIONS", 1).Err()
	})
}

// AddWebSockets moves the live WebSocket gauge by delta (+1 on accept, -1 on
// close).
func (s *Store) AddWebSockets(ctx context.Context, delta int64) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.HIncrBy(ctx, "GLOBAL", "WEBSOCKETS", delta).Err()
	})
}
