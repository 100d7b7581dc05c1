package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"didcomm_mediator/internal/utils/log"
)

func streamChannel(sessionUUID string) string { return "STREAM:" + sessionUUID }

// CleanStartStreaming evicts every live subscription the session registered
// before, returning the count removed. Called on each (re)subscription so a
// session holds at most one live stream.
func (s *Store) CleanStartStreaming(ctx context.Context, sessionUUID string) (int64, error) {
	var evicted int64
	err := s.withRetry(ctx, func() error {
		res, err := cleanStartStreamingScript.Run(ctx, s.rdb, []string{sessionUUID}).Result()
		if err != nil {
			return scriptErr(err)
		}
		evicted = toInt64(res)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		log.Debug("stale live subscriptions evicted",
			zap.String("session", sessionUUID), zap.Int64("count", evicted))
	}
	return evicted, nil
}

// EnableStreaming registers the DID in the global streaming map against the
// session.
func (s *Store) EnableStreaming(ctx context.Context, sessionUUID, didHash string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, "GLOBAL_STREAMING", didHash, sessionUUID)
		pipe.SAdd(ctx, "STREAMING_SESSIONS:"+sessionUUID, didHash)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DisableStreaming removes the DID from the global streaming map.
func (s *Store) DisableStreaming(ctx context.Context, sessionUUID, didHash string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HDel(ctx, "GLOBAL_STREAMING", didHash)
		pipe.SRem(ctx, "STREAMING_SESSIONS:"+sessionUUID, didHash)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LiveSession returns the session uuid streaming for the DID, or empty when
// the DID has no live subscription.
func (s *Store) LiveSession(ctx context.Context, didHash string) (string, error) {
	var sessionUUID string
	err := s.withRetry(ctx, func() error {
		id, err := s.rdb.HGet(ctx, "GLOBAL_STREAMING", didHash).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				sessionUUID = ""
				return nil
			}
			return err
		}
		sessionUUID = id
		return nil
	})
	return sessionUUID, err
}

// PublishLive pushes an envelope onto the session's broadcast channel. The
// subscriber side may have gone away between the registry check and the
// publish; that is harmless, the payload is already durable unless ephemeral.
func (s *Store) PublishLive(ctx context.Context, sessionUUID string, envelope []byte) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Publish(ctx, streamChannel(sessionUUID), envelope).Err()
	})
}

// SubscribeLive opens the session's broadcast channel. The caller owns the
// returned PubSub and must Close it.
func (s *Store) SubscribeLive(ctx context.Context, sessionUUID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, streamChannel(sessionUUID))
}
