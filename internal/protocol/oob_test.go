package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
)

type fakeOOBStore struct {
	invites map[string][]byte
	ttl     time.Duration
}

func (f *fakeOOBStore) PutInvite(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	f.invites[id] = payload
	f.ttl = ttl
	return nil
}

func (f *fakeOOBStore) Invite(_ context.Context, id string) ([]byte, error) {
	return f.invites[id], nil
}

func (f *fakeOOBStore) DeleteInvite(_ context.Context, id string) error {
	delete(f.invites, id)
	return nil
}

func TestInvitationLifecycle(t *testing.T) {
	store := &fakeOOBStore{invites: map[string][]byte{}}
	oob := NewOOB(store, selfDID, time.Hour)
	ctx := context.Background()

	id, payload, err := oob.NewInvitation(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Hour, store.ttl)

	var msg didcomm.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, InvitationType, msg.Type)
	require.Equal(t, id, msg.ID)
	require.Equal(t, selfDID, msg.From)

	var body invitationBody
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	require.Equal(t, "request-mediate", body.GoalCode)
	require.Contains(t, body.Accept, "didcomm/v2")

	fetched, err := oob.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, fetched)

	require.NoError(t, oob.Revoke(ctx, id))
	_, err = oob.Fetch(ctx, id)
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}
