package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// The forward queue holds pointers to stored envelopes whose next hop is a
// remote mediator. The forwarder consumes it; entries are acknowledged by
// stream deletion after the remote dispatch concludes.

const forwardQueue = "FORWARD_Q"

type ForwardEntry struct {
	StreamID  string
	MsgHash   string
	NextDID   string
	SenderDID string
}

// EnqueueForward records a stored envelope for remote dispatch. senderDID may
// be empty when the submission was anonymous; a permanent dispatch failure is
// then dropped instead of reported.
func (s *Store) EnqueueForward(ctx context.Context, msgHash, nextDID, senderDID string) (string, error) {
	var id string
	err := s.withRetry(ctx, func() error {
		var err error
		id, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: forwardQueue,
			Values: map[string]interface{}{"msg": msgHash, "next": nextDID, "sender": senderDID},
		}).Result()
		return err
	})
	return id, err
}

// PendingForwards returns up to limit queued forwards strictly after startID
// ("-" for the beginning).
func (s *Store) PendingForwards(ctx context.Context, startID string, limit int) ([]ForwardEntry, error) {
	if startID == "" {
		startID = "-"
	}
	rangeStart := startID
	if rangeStart != "-" {
		rangeStart = "(" + rangeStart
	}

	var entries []ForwardEntry
	err := s.withRetry(ctx, func() error {
		msgs, err := s.rdb.XRangeN(ctx, forwardQueue, rangeStart, "+", int64(limit)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		entries = entries[:0]
		for _, m := range msgs {
			hash, _ := m.Values["msg"].(string)
			next, _ := m.Values["next"].(string)
			sender, _ := m.Values["sender"].(string)
			entries = append(entries, ForwardEntry{StreamID: m.ID, MsgHash: hash, NextDID: next, SenderDID: sender})
		}
		return nil
	})
	return entries, err
}

// AckForward removes a forward queue entry once the dispatch has concluded
// (delivered, or permanently failed).
func (s *Store) AckForward(ctx context.Context, streamID string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.XDel(ctx, forwardQueue, streamID).Err()
	})
}
