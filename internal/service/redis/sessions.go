package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"didcomm_mediator/internal/model"
)

func sessionKey(id string) string { return "SESSION:" + id }
func refreshKey(tokenHash string) string { return "REFRESH:" + tokenHash }

// PutSession writes a session record with the given lifetime.
func (s *Store) PutSession(ctx context.Context, sess *model.Session, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, sessionKey(sess.ID),
			"DID", sess.DID,
			"DID_HASH", sess.DIDHash,
			"STATE", string(sess.State),
			"NONCE_HASH", sess.NonceHash,
			"ISSUED_AT", sess.IssuedAt,
			"EXPIRES_AT", sess.ExpiresAt,
			"STREAMING_ID", sess.StreamingID,
			"ADMIN", strconv.FormatBool(sess.Admin),
		)
		pipe.Expire(ctx, sessionKey(sess.ID), ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Session loads a session record, or nil when absent or expired.
func (s *Store) Session(ctx context.Context, id string) (*model.Session, error) {
	var sess *model.Session
	err := s.withRetry(ctx, func() error {
		fields, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			sess = nil
			return nil
		}

		issuedAt, _ := strconv.ParseInt(fields["ISSUED_AT"], 10, 64)
		expiresAt, _ := strconv.ParseInt(fields["EXPIRES_AT"], 10, 64)
		admin, _ := strconv.ParseBool(fields["ADMIN"])
		sess = &model.Session{
			ID:          id,
			DID:         fields["DID"],
			DIDHash:     fields["DID_HASH"],
			State:       model.SessionState(fields["STATE"]),
			NonceHash:   fields["NONCE_HASH"],
			IssuedAt:    issuedAt,
			ExpiresAt:   expiresAt,
			StreamingID: fields["STREAMING_ID"],
			Admin:       admin,
		}
		return nil
	})
	return sess, err
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Del(ctx, sessionKey(id)).Err()
	})
}

// ConsumeNonce clears the stored nonce hash so a challenge can be answered at
// most once. Returns the hash that was present.
func (s *Store) ConsumeNonce(ctx context.Context, sessionID string) (string, error) {
	var nonceHash string
	err := s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		get := pipe.HGet(ctx, sessionKey(sessionID), "NONCE_HASH")
		pipe.HDel(ctx, sessionKey(sessionID), "NONCE_HASH")
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		nonceHash = get.Val()
		return nil
	})
	return nonceHash, err
}

// PutRefreshToken stores the hash of a refresh token against its session.
func (s *Store) PutRefreshToken(ctx context.Context, tokenHash, sessionID string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Set(ctx, refreshKey(tokenHash), sessionID, ttl).Err()
	})
}

// TakeRefreshToken atomically consumes a refresh token, returning its session
// id. Empty when unknown or already rotated.
func (s *Store) TakeRefreshToken(ctx context.Context, tokenHash string) (string, error) {
	var sessionID string
	err := s.withRetry(ctx, func() error {
		id, err := s.rdb.GetDel(ctx, refreshKey(tokenHash)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				sessionID = ""
				return nil
			}
			return err
		}
		sessionID = id
		return nil
	})
	return sessionID, err
}
