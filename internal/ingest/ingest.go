// Package ingest is the inbound half of the mediator: it unpacks envelopes,
// unwraps forwards addressed to the mediator itself, applies access policy
// and commits each recipient copy atomically. Per-recipient failures are
// collected, not escalated; only envelope-level problems (an envelope that is
// oversized or unreadable, an expires_time in the past, or no recipients) fail
// the whole submission.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/hash"
	"didcomm_mediator/internal/utils/log"
)

// maxForwardDepth bounds the local short-circuit loop: up to ten nested
// forwards to the mediator itself are unwrapped, and an eleventh level has no
// legitimate use and looks like a decompression bomb.
const maxForwardDepth = 10

type (
	// Store is the slice of the message store the pipeline writes through.
	Store interface {
		StoreMessage(ctx context.Context, msgHash string, envelope []byte, expiresAt int64, toHash, fromHash string) (string, error)
		LiveSession(ctx context.Context, didHash string) (string, error)
		PublishLive(ctx context.Context, sessionUUID string, envelope []byte) error
		EnqueueForward(ctx context.Context, msgHash, nextDID, senderDID string) (string, error)
	}

	// Config carries the ingestion limits and the mediator's own identities.
	Config struct {
		SelfHashes      map[string]bool // did_hash of the mediator DID and each alias
		MaxMessageBytes int64
		DefaultExpiry   time.Duration
		MaxExpiry       time.Duration
	}

	// Pipeline processes inbound envelopes.
	Pipeline struct {
		packer didcomm.Packer
		store  Store
		engine *acl.Engine
		cfg    Config
	}

	// unwrapped is the outcome of the forward unwrap loop.
	unwrapped struct {
		result     *didcomm.UnpackResult
		envelope   []byte // innermost raw envelope, what gets stored
		remoteNext string // non-empty when the next hop is another mediator
	}
)

func New(packer didcomm.Packer, store Store, engine *acl.Engine, cfg Config) *Pipeline {
	return &Pipeline{packer: packer, store: store, engine: engine, cfg: cfg}
}

// Ingest runs the full pipeline for one submitted envelope. sess is the
// authenticated session that posted it, or nil for anonymous submission.
func (p *Pipeline) Ingest(ctx context.Context, envelope []byte, sess *model.Session) (*model.SendMessageResponse, error) {
	if p.cfg.MaxMessageBytes > 0 && int64(len(envelope)) > p.cfg.MaxMessageBytes {
		return nil, model.Errorf(model.KindMalformed,
			"envelope of %d bytes exceeds limit of %d", len(envelope), p.cfg.MaxMessageBytes)
	}

	uw, err := p.unwrap(ctx, envelope)
	if err != nil {
		return nil, err
	}
	msg := uw.result.Message

	expiresAt, err := p.expiry(msg)
	if err != nil {
		return nil, err
	}

	senderHash, senderDID, authenticated := p.sender(uw.result, sess)

	if uw.remoteNext != "" {
		return p.commitRemote(ctx, uw, expiresAt, senderHash, senderDID, authenticated)
	}

	resp := &model.SendMessageResponse{MessageID: msg.ID}
	for _, did := range msg.To {
		result := model.RecipientResult{DID: did}
		if err := p.commitLocal(ctx, uw.envelope, did, msg.Ephemeral, expiresAt, senderHash, authenticated); err != nil {
			result.Error = err.Error()
			log.Debug("recipient commit rejected",
				zap.String("message", msg.ID), zap.String("did_hash", hash.DID(did)), zap.Error(err))
		}
		resp.Recipients = append(resp.Recipients, result)
	}
	if len(resp.Recipients) == 0 {
		return nil, model.NewError(model.KindMalformed, "message has no recipients")
	}
	return resp, nil
}

// unwrap decrypts the envelope and follows forward wrappings addressed to the
// mediator itself, stopping at the first plaintext that is not a forward or
// whose next hop is remote.
func (p *Pipeline) unwrap(ctx context.Context, envelope []byte) (*unwrapped, error) {
	for depth := 0; depth <= maxForwardDepth; depth++ {
		res, err := p.packer.Unpack(ctx, envelope)
		if err != nil {
			return nil, model.Errorf(model.KindMalformed, "unpack: %w", err)
		}
		if !res.Message.IsForward() {
			return &unwrapped{result: res, envelope: envelope}, nil
		}

		next, err := res.Message.ForwardNext()
		if err != nil {
			return nil, model.Errorf(model.KindMalformed, "%w", err)
		}
		inner, err := res.Message.ForwardPayload()
		if err != nil {
			return nil, model.Errorf(model.KindMalformed, "%w", err)
		}
		if !p.cfg.SelfHashes[hash.DID(next)] {
			return &unwrapped{result: res, envelope: inner, remoteNext: next}, nil
		}
		envelope = inner
	}
	return nil, model.Errorf(model.KindMalformed, "forward nesting deeper than %d", maxForwardDepth)
}

// expiry validates expires_time and returns the effective expiry epoch,
// capped at the mediator maximum.
func (p *Pipeline) expiry(msg *didcomm.Message) (int64, error) {
	now := time.Now()
	limit := now.Add(p.cfg.MaxExpiry).Unix()

	if msg.ExpiresTime == 0 {
		exp := now.Add(p.cfg.DefaultExpiry).Unix()
		if exp > limit {
			exp = limit
		}
		return exp, nil
	}
	if msg.ExpiresTime <= now.Unix() {
		return 0, model.NewError(model.KindMalformed, "message expires_time is in the past")
	}
	if msg.ExpiresTime > limit {
		return limit, nil
	}
	return msg.ExpiresTime, nil
}

// sender picks the principal charged for the submission: the envelope's
// verified author when present, otherwise the posting session.
func (p *Pipeline) sender(res *didcomm.UnpackResult, sess *model.Session) (string, string, bool) {
	if res.Authenticated && res.FromDID != "" {
		return hash.DID(res.FromDID), res.FromDID, true
	}
	if sess != nil {
		return sess.DIDHash, sess.DID, true
	}
	return "", "", false
}

func (p *Pipeline) commitLocal(ctx context.Context, envelope []byte, did string, ephemeral bool, expiresAt int64, senderHash string, authenticated bool) error {
	didHash := hash.DID(did)
	err := p.engine.CheckIngress(ctx, acl.Ingress{
		SenderHash:    senderHash,
		Authenticated: authenticated,
		RecipientHash: didHash,
	})
	if err != nil {
		return err
	}

	if ephemeral {
		return p.publishLive(ctx, didHash, envelope, true)
	}

	msgHash := entryHash(envelope, didHash)
	if _, err := p.store.StoreMessage(ctx, msgHash, envelope, expiresAt, didHash, senderHash); err != nil {
		return err
	}
	return p.publishLive(ctx, didHash, envelope, false)
}

// publishLive pushes the envelope to the recipient's live stream if one is
// registered. For ephemeral messages an absent stream means the message is
// dropped; for stored messages the publish is best-effort on top of the
// durable copy.
func (p *Pipeline) publishLive(ctx context.Context, didHash string, envelope []byte, ephemeral bool) error {
	sessionUUID, err := p.store.LiveSession(ctx, didHash)
	if err != nil {
		if ephemeral {
			return err
		}
		log.Warn("live registry lookup failed after store", zap.String("did_hash", didHash), zap.Error(err))
		return nil
	}
	if sessionUUID == "" {
		if ephemeral {
			log.Debug("ephemeral message dropped, recipient offline", zap.String("did_hash", didHash))
		}
		return nil
	}
	if err := p.store.PublishLive(ctx, sessionUUID, envelope); err != nil {
		if ephemeral {
			return err
		}
		log.Warn("live publish failed after store", zap.String("did_hash", didHash), zap.Error(err))
	}
	return nil
}

// commitRemote stores the still-wrapped payload under the next hop's queue and
// hands a pointer to the forwarder.
func (p *Pipeline) commitRemote(ctx context.Context, uw *unwrapped, expiresAt int64, senderHash, senderDID string, authenticated bool) (*model.SendMessageResponse, error) {
	nextHash := hash.DID(uw.remoteNext)
	resp := &model.SendMessageResponse{MessageID: uw.result.Message.ID}
	result := model.RecipientResult{DID: uw.remoteNext}

	err := p.engine.CheckIngress(ctx, acl.Ingress{
		SenderHash:    senderHash,
		Authenticated: authenticated,
		RecipientHash: nextHash,
	})
	if err == nil {
		msgHash := entryHash(uw.envelope, nextHash)
		if _, err = p.store.StoreMessage(ctx, msgHash, uw.envelope, expiresAt, nextHash, senderHash); err == nil {
			_, err = p.store.EnqueueForward(ctx, msgHash, uw.remoteNext, senderDID)
		}
	}
	if err != nil {
		result.Error = err.Error()
	}
	resp.Recipients = append(resp.Recipients, result)
	return resp, nil
}

// entryHash keys the stored copy. The recipient hash is mixed in so an
// envelope addressed to several recipients yields one independent store entry
// per queue while resubmission of the same copy stays idempotent.
func entryHash(envelope []byte, toHash string) string {
	h := sha256.New()
	h.Write(envelope)
	h.Write([]byte(toHash))
	return hex.EncodeToString(h.Sum(nil))
}
