package protocol

import (
	"context"
	"encoding/json"
	"time"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
)

// InvitationType is the out-of-band 2.0 invitation message type.
const InvitationType = "https://didcomm.org/out-of-band/2.0/invitation"

type (
	// OOBStore holds invitation payloads under short ids.
	OOBStore interface {
		PutInvite(ctx context.Context, id string, payload []byte, ttl time.Duration) error
		Invite(ctx context.Context, id string) ([]byte, error)
		DeleteInvite(ctx context.Context, id string) error
	}

	// OOB creates and serves out-of-band invitations for the mediator DID.
	OOB struct {
		store   OOBStore
		selfDID string
		ttl     time.Duration
	}

	invitationBody struct {
		GoalCode string   `json:"goal_code"`
		Goal     string   `json:"goal,omitempty"`
		Accept   []string `json:"accept"`
	}
)

func NewOOB(store OOBStore, selfDID string, ttl time.Duration) *OOB {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &OOB{store: store, selfDID: selfDID, ttl: ttl}
}

// NewInvitation mints a mediate invitation, stores it under its message id
// and returns both. The id is what goes into the shortened URL.
func (o *OOB) NewInvitation(ctx context.Context) (string, []byte, error) {
	msg := didcomm.New(InvitationType)
	msg.From = o.selfDID
	body, _ := json.Marshal(invitationBody{
		GoalCode: "request-mediate",
		Goal:     "Mediate messages for this DID",
		Accept:   []string{"didcomm/v2"},
	})
	msg.Body = body

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", nil, model.Errorf(model.KindInternal, "marshal invitation: %w", err)
	}
	if err := o.store.PutInvite(ctx, msg.ID, payload, o.ttl); err != nil {
		return "", nil, err
	}
	return msg.ID, payload, nil
}

// Fetch returns a stored invitation payload.
func (o *OOB) Fetch(ctx context.Context, id string) ([]byte, error) {
	payload, err := o.store.Invite(ctx, id)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, model.NewError(model.KindNotFound, "unknown or expired invitation")
	}
	return payload, nil
}

// Revoke removes an invitation before its TTL.
func (o *OOB) Revoke(ctx context.Context, id string) error {
	return o.store.DeleteInvite(ctx, id)
}
