package acl

import (
	"context"

	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

type (
	// ListVerdict is the allow/deny list lookup for one (owner, peer) pair.
	ListVerdict struct {
		AllowSize int64
		DenySize  int64
		InAllow   bool
		InDeny    bool
	}

	// Directory is the slice of the store the engine reads. No result is
	// cached beyond the current evaluation, so ACL changes apply on the
	// next ingress.
	Directory interface {
		Account(ctx context.Context, didHash string) (*model.Account, error)
		ListVerdict(ctx context.Context, didHash, peerHash string) (ListVerdict, error)
	}

	// Engine evaluates the mediator's access policy.
	Engine struct {
		dir          Directory
		defaultACL   Set
		defaultHard  int64 // hard receive limit applied when the account has none
		defaultHardS int64 // hard send limit
	}

	// Ingress describes one inbound commit attempt.
	Ingress struct {
		SenderHash    string // empty for anonymous envelopes
		Authenticated bool
		RecipientHash string
	}
)

func NewEngine(dir Directory, defaultACL Set, hardReceive, hardSend int64) *Engine {
	return &Engine{dir: dir, defaultACL: defaultACL, defaultHard: hardReceive, defaultHardS: hardSend}
}

// Resolve returns the effective ACL set for a DID, falling back to the
// mediator default when the DID has no record.
func (e *Engine) Resolve(ctx context.Context, didHash string) (Set, error) {
	acct, err := e.dir.Account(ctx, didHash)
	if err != nil {
		return 0, err
	}
	if acct == nil || !acct.HasACL {
		return e.defaultACL, nil
	}
	return Set(acct.ACL), nil
}

// AllowAuthentication is the pre-challenge gate.
func (e *Engine) AllowAuthentication(ctx context.Context, didHash string) error {
	set, err := e.Resolve(ctx, didHash)
	if err != nil {
		return err
	}
	if !set.Has(AllowAuth) {
		return model.NewError(model.KindACLDenied, "authentication denied by policy")
	}
	return nil
}

// CheckIngress runs the ingress evaluation in order: sender egress (or
// anonymous acceptance), recipient ingress, allow/deny lists, queue limits.
// The first failing rule decides the error; admins bypass queue limits only.
func (e *Engine) CheckIngress(ctx context.Context, in Ingress) error {
	recipientSet, err := e.Resolve(ctx, in.RecipientHash)
	if err != nil {
		return err
	}

	var senderSet Set
	senderAdmin := false
	if in.SenderHash == "" || !in.Authenticated {
		if !recipientSet.Has(AllowAnonMsg) {
			return model.NewError(model.KindACLDenied, "recipient does not accept anonymous messages")
		}
	} else {
		senderSet, err = e.Resolve(ctx, in.SenderHash)
		if err != nil {
			return err
		}
		if !senderSet.Has(AllowOutbound) {
			return model.NewError(model.KindACLDenied, "sender not permitted to send")
		}
		senderAdmin = senderSet.Has(Admin)
	}

	if !recipientSet.Has(AllowInbound) {
		return model.NewError(model.KindACLDenied, "recipient not accepting messages")
	}

	if in.SenderHash != "" {
		verdict, err := e.dir.ListVerdict(ctx, in.RecipientHash, in.SenderHash)
		if err != nil {
			return err
		}
		// A non-empty allow list takes precedence over the deny list.
		switch {
		case verdict.AllowSize > 0:
			if !verdict.InAllow {
				return model.NewError(model.KindACLDenied, "sender not on recipient allow list")
			}
		case verdict.DenySize > 0 && verdict.InDeny:
			return model.NewError(model.KindACLDenied, "sender on recipient deny list")
		}
	}

	if senderAdmin {
		return nil
	}
	return e.checkQueueLimit(ctx, in.RecipientHash)
}

func (e *Engine) checkQueueLimit(ctx context.Context, recipientHash string) error {
	acct, err := e.dir.Account(ctx, recipientHash)
	if err != nil {
		return err
	}
	if acct == nil {
		return nil
	}

	hard := acct.Limits.HardReceive
	if hard == 0 {
		hard = e.defaultHard
	}
	if hard > 0 && acct.ReceiveQueueCount >= hard {
		log.Debug("receive queue full",
			zap.String("did_hash", recipientHash),
			zap.Int64("count", acct.ReceiveQueueCount),
			zap.Int64("hard_limit", hard))
		return model.NewError(model.KindQueueLimit, "recipient receive queue is full")
	}
	return nil
}

// HardSendLimit returns the effective hard send limit for an account.
func (e *Engine) HardSendLimit(acct *model.Account) int64 {
	if acct != nil && acct.Limits.HardSend > 0 {
		return acct.Limits.HardSend
	}
	return e.defaultHardS
}
