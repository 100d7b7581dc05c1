package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/service/redis"
)

type fakeStore struct {
	status    map[string]*model.StatusReply
	messages  map[string][]model.StoredMessage
	hashes    map[string]string // stream id -> msg hash
	deleted   []string
	deletedBy []string
	enabled   map[string]string // session uuid -> did hash
	cleaned   []string

	fetchLimit int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:   map[string]*model.StatusReply{},
		messages: map[string][]model.StoredMessage{},
		hashes:   map[string]string{},
		enabled:  map[string]string{},
	}
}

func (f *fakeStore) StatusReply(_ context.Context, didHash string) (*model.StatusReply, error) {
	if r, ok := f.status[didHash]; ok {
		return r, nil
	}
	return &model.StatusReply{}, nil
}

func (f *fakeStore) FetchMessages(_ context.Context, didHash, _ string, limit int) ([]model.StoredMessage, error) {
	f.fetchLimit = limit
	msgs := f.messages[didHash]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, msgHash, requesterHash string) error {
	for _, h := range f.deleted {
		if h == msgHash {
			return model.NewError(model.KindNotFound, "message not found")
		}
	}
	f.deleted = append(f.deleted, msgHash)
	f.deletedBy = append(f.deletedBy, requesterHash)
	return nil
}

func (f *fakeStore) MessageHashes(_ context.Context, _ string, streamIDs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range streamIDs {
		if h, ok := f.hashes[id]; ok {
			out[id] = h
		}
	}
	return out, nil
}

func (f *fakeStore) CleanStartStreaming(_ context.Context, sessionUUID string) (int64, error) {
	f.cleaned = append(f.cleaned, sessionUUID)
	delete(f.enabled, sessionUUID)
	return 0, nil
}

func (f *fakeStore) EnableStreaming(_ context.Context, sessionUUID, didHash string) error {
	f.enabled[sessionUUID] = didHash
	return nil
}

func (f *fakeStore) DisableStreaming(_ context.Context, sessionUUID, _ string) error {
	delete(f.enabled, sessionUUID)
	return nil
}

func ownSession() *model.Session {
	return &model.Session{ID: "sess-uuid", DID: "did:key:alice", DIDHash: "alice-hash"}
}

func TestStatusTargets(t *testing.T) {
	store := newFakeStore()
	store.status["alice-hash"] = &model.StatusReply{MessageCount: 2}
	store.status["bob-hash"] = &model.StatusReply{MessageCount: 9}
	engine := NewEngine(store, 100)
	ctx := context.Background()

	reply, err := engine.Status(ctx, ownSession(), "")
	require.NoError(t, err)
	require.Equal(t, int64(2), reply.MessageCount)

	// Someone else's queue needs the admin capability.
	_, err = engine.Status(ctx, ownSession(), "bob-hash")
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	admin := ownSession()
	admin.Admin = true
	reply, err = engine.Status(ctx, admin, "bob-hash")
	require.NoError(t, err)
	require.Equal(t, int64(9), reply.MessageCount)
}

func TestDeliverClampsLimit(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, 10)
	ctx := context.Background()

	_, err := engine.Deliver(ctx, ownSession(), "", "", 0)
	require.NoError(t, err)
	require.Equal(t, 10, store.fetchLimit)

	_, err = engine.Deliver(ctx, ownSession(), "", "", 500)
	require.NoError(t, err)
	require.Equal(t, 10, store.fetchLimit)

	_, err = engine.Deliver(ctx, ownSession(), "", "", 3)
	require.NoError(t, err)
	require.Equal(t, 3, store.fetchLimit)
}

func TestAcknowledge(t *testing.T) {
	store := newFakeStore()
	store.hashes["1-0"] = "hash-a"
	store.hashes["2-0"] = "hash-b"
	engine := NewEngine(store, 10)

	// Unknown ids count as already acknowledged.
	acked, err := engine.Acknowledge(context.Background(), ownSession(), "", []string{"1-0", "2-0", "9-9"})
	require.NoError(t, err)
	require.Equal(t, 3, acked)
	require.ElementsMatch(t, []string{"hash-a", "hash-b"}, store.deleted)
	require.Equal(t, []string{"alice-hash", "alice-hash"}, store.deletedBy)

	// Repeating the ack is idempotent.
	acked, err = engine.Acknowledge(context.Background(), ownSession(), "", []string{"1-0"})
	require.NoError(t, err)
	require.Equal(t, 1, acked)
}

func TestAcknowledgeAsAdmin(t *testing.T) {
	store := newFakeStore()
	store.hashes["1-0"] = "hash-a"
	engine := NewEngine(store, 10)

	admin := ownSession()
	admin.Admin = true
	_, err := engine.Acknowledge(context.Background(), admin, "bob-hash", []string{"1-0"})
	require.NoError(t, err)
	require.Equal(t, []string{redis.AdminSentinel}, store.deletedBy)
}

func TestSetLiveDelivery(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, 10)
	sess := ownSession()
	ctx := context.Background()

	require.NoError(t, engine.SetLiveDelivery(ctx, sess, true))
	require.Equal(t, []string{"sess-uuid"}, store.cleaned)
	require.Equal(t, "alice-hash", store.enabled["sess-uuid"])

	require.NoError(t, engine.SetLiveDelivery(ctx, sess, false))
	require.Empty(t, store.enabled)
}
