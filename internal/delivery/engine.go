// Package delivery implements the pickup side of the mediator: queue status,
// batched fetch, acknowledgement deletes and the live-delivery registry. The
// protocol layer translates message-pickup frames into these calls.
package delivery

import (
	"context"

	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/utils/log"
)

type (
	// Store is the slice of the message store the engine reads and deletes
	// through.
	Store interface {
		StatusReply(ctx context.Context, didHash string) (*model.StatusReply, error)
		FetchMessages(ctx context.Context, didHash, startID string, limit int) ([]model.StoredMessage, error)
		DeleteMessage(ctx context.Context, msgHash, requesterHash string) error
		MessageHashes(ctx context.Context, didHash string, streamIDs []string) (map[string]string, error)
		CleanStartStreaming(ctx context.Context, sessionUUID string) (int64, error)
		EnableStreaming(ctx context.Context, sessionUUID, didHash string) error
		DisableStreaming(ctx context.Context, sessionUUID, didHash string) error
	}

	// Engine answers pickup requests on behalf of authenticated sessions.
	Engine struct {
		store    Store
		maxBatch int
	}
)

func NewEngine(store Store, maxBatch int) *Engine {
	return &Engine{store: store, maxBatch: maxBatch}
}

// Status returns the queue summary for recipientHash, or for the requester's
// own queue when recipientHash is empty. Reading another DID's queue requires
// the admin capability.
func (e *Engine) Status(ctx context.Context, sess *model.Session, recipientHash string) (*model.StatusReply, error) {
	target, err := e.target(sess, recipientHash)
	if err != nil {
		return nil, err
	}
	return e.store.StatusReply(ctx, target)
}

// Deliver returns up to limit stored envelopes strictly after startID. Each
// result carries its stream id so the client can resume from where it left
// off.
func (e *Engine) Deliver(ctx context.Context, sess *model.Session, recipientHash, startID string, limit int) ([]model.StoredMessage, error) {
	target, err := e.target(sess, recipientHash)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > e.maxBatch {
		limit = e.maxBatch
	}
	return e.store.FetchMessages(ctx, target, startID, limit)
}

// Acknowledge deletes the envelopes behind the acknowledged stream ids. Acks
// are idempotent: ids already gone count as acknowledged, not failed.
func (e *Engine) Acknowledge(ctx context.Context, sess *model.Session, recipientHash string, streamIDs []string) (int, error) {
	target, err := e.target(sess, recipientHash)
	if err != nil {
		return 0, err
	}
	requester := sess.DIDHash
	if sess.Admin {
		requester = redis.AdminSentinel
	}

	hashes, err := e.store.MessageHashes(ctx, target, streamIDs)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, id := range streamIDs {
		h, ok := hashes[id]
		if !ok {
			acked++ // already deleted by an earlier ack or the sweeper
			continue
		}
		err := e.store.DeleteMessage(ctx, h, requester)
		switch {
		case err == nil:
			acked++
		case model.KindOf(err) == model.KindNotFound:
			acked++
		default:
			return acked, err
		}
	}
	return acked, nil
}

// SetLiveDelivery toggles the session's live stream. Enabling always starts
// clean: stale subscriptions from a previous connection of the same session
// are evicted first so a session holds at most one live stream.
func (e *Engine) SetLiveDelivery(ctx context.Context, sess *model.Session, enable bool) error {
	if !enable {
		return e.store.DisableStreaming(ctx, sess.ID, sess.DIDHash)
	}
	if _, err := e.store.CleanStartStreaming(ctx, sess.ID); err != nil {
		return err
	}
	if err := e.store.EnableStreaming(ctx, sess.ID, sess.DIDHash); err != nil {
		return err
	}
	log.Debug("live delivery enabled",
		zap.String("session", sess.ID), zap.String("did_hash", sess.DIDHash))
	return nil
}

// target resolves which queue the request addresses and enforces the egress
// rule: own queue always, someone else's only with the admin capability.
func (e *Engine) target(sess *model.Session, recipientHash string) (string, error) {
	if recipientHash == "" || recipientHash == sess.DIDHash {
		return sess.DIDHash, nil
	}
	if !sess.Admin {
		return "", model.NewError(model.KindForbidden, "queue belongs to another DID")
	}
	return recipientHash, nil
}
