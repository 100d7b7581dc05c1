package redis

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

// AdminSentinel is the requester value that bypasses the ownership check in
// delete_message. Only the expiry sweeper, the forwarder and acknowledgements
// from admin sessions use it.
const AdminSentinel = "ADMIN"

type (
	Options struct {
		URL      string
		PoolSize int
	}

	// Store wraps the pooled client plus the loaded server-side scripts.
	// Every multi-key mutation in the mediator goes through one of them.
	Store struct {
		rdb *redis.Client
	}
)

// New connects, verifies the schema version and loads all scripts.
func New(ctx context.Context, opts Options) (*Store, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, model.Errorf(model.KindStoreUnavailable, "invalid store url: %v", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}

	s := &Store{rdb: redis.NewClient(redisOpts)}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, model.Errorf(model.KindStoreUnavailable, "store ping failed: %v", err)
	}

	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}

	for _, script := range allScripts {
		if err := script.Load(ctx, s.rdb).Err(); err != nil {
			return nil, model.Errorf(model.KindStoreUnavailable, "load script: %v", err)
		}
	}

	log.Info("store ready", zap.String("url", redisOpts.Addr), zap.Int("pool_size", redisOpts.PoolSize))
	return s, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks liveness of the store connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// withRetry runs fn, retrying once with jittered backoff when the failure
// looks transient (connection-level). Persistent failure surfaces
// STORE_UNAVAILABLE.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !transient(err) {
		return err
	}

	delay := 100*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
	log.Warn("transient store error, retrying", zap.Error(err), zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err := fn(); err != nil {
		if transient(err) {
			return model.Errorf(model.KindStoreUnavailable, "store unavailable: %v", err)
		}
		return err
	}
	return nil
}

func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed) || strings.Contains(err.Error(), "connection refused")
}

// scriptErr maps error strings produced by the Lua scripts onto the mediator
// taxonomy.
func scriptErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOT_FOUND"):
		return model.NewError(model.KindNotFound, "message not found")
	case strings.Contains(msg, "FORBIDDEN"):
		return model.NewError(model.KindForbidden, "requester is not related to the message")
	case strings.Contains(msg, "CORRUPT"):
		return model.NewError(model.KindInternal, "message metadata is corrupt")
	case strings.Contains(msg, "INVALID_ARGS"):
		return model.NewError(model.KindInternal, "invalid script arguments")
	}
	return err
}
