// Package processor holds the mediator's long-running background workers.
// Both are constructed from configuration and a store handle only, so they
// run equally well inside the main binary or as a standalone worker sharing
// the store. All mutation goes through the store's atomic operations, which
// is what keeps concurrent workers safe.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/utils/log"
)

type (
	// SweeperStore is the slice of the store the expiry sweeper uses.
	SweeperStore interface {
		ExpiredBuckets(ctx context.Context, now int64) ([]int64, error)
		BucketMembers(ctx context.Context, epoch int64) ([]string, error)
		DeleteMessage(ctx context.Context, msgHash, requesterHash string) error
		RemoveBucket(ctx context.Context, epoch int64) error
	}

	// Sweeper deletes envelopes whose expiry epoch has passed.
	Sweeper struct {
		store    SweeperStore
		interval time.Duration
	}
)

func NewSweeper(store SweeperStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("expired messages swept", zap.Int("count", n))
			}
		}
	}
}

// Sweep runs one pass and returns how many messages were deleted. A message
// already gone (concurrent delete, ack, or another sweeper) counts as swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	epochs, err := s.store.ExpiredBuckets(ctx, time.Now().Unix())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, epoch := range epochs {
		members, err := s.store.BucketMembers(ctx, epoch)
		if err != nil {
			return swept, err
		}
		for _, msgHash := range members {
			err := s.store.DeleteMessage(ctx, msgHash, redis.AdminSentinel)
			if err != nil && model.KindOf(err) != model.KindNotFound {
				return swept, err
			}
			swept++
		}
		if err := s.store.RemoveBucket(ctx, epoch); err != nil {
			return swept, err
		}
	}
	return swept, nil
}
