package minipack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
)

type fakeResolver struct {
	docs map[string]*resolver.Document
}

func (f *fakeResolver) Resolve(_ context.Context, did string) (*resolver.Document, error) {
	doc, ok := f.docs[did]
	if !ok {
		return nil, model.Errorf(model.KindResolutionFailed, "unknown DID %s", did)
	}
	return doc, nil
}

// newIdentity registers a fresh X25519 identity with the resolver and returns
// its private key.
func newIdentity(t *testing.T, res *fakeResolver, did string) []byte {
	t.Helper()
	priv, pub, err := newKeyPair()
	require.NoError(t, err)
	res.docs[did] = &resolver.Document{
		DID:          did,
		KeyAgreement: []resolver.Key{{ID: did + "#key-1", X25519: pub}},
	}
	return priv
}

func TestAnonPackUnpack(t *testing.T) {
	res := &fakeResolver{docs: map[string]*resolver.Document{}}
	mediatorPriv := newIdentity(t, res, "did:key:mediator")

	sender := New(res, nil)
	mediator := New(res, map[string][]byte{"did:key:mediator": mediatorPriv})

	msg := didcomm.New("https://didcomm.org/trust-ping/2.0/ping")
	msg.To = []string{"did:key:mediator"}

	envelope, err := sender.Pack(context.Background(), msg, "", "did:key:mediator")
	require.NoError(t, err)

	result, err := mediator.Unpack(context.Background(), envelope)
	require.NoError(t, err)
	require.Equal(t, msg.ID, result.Message.ID)
	require.Equal(t, msg.Type, result.Message.Type)
	require.Empty(t, result.FromDID)
	require.False(t, result.Authenticated)
}

func TestAuthPackUnpack(t *testing.T) {
	res := &fakeResolver{docs: map[string]*resolver.Document{}}
	alicePriv := newIdentity(t, res, "did:key:alice")
	mediatorPriv := newIdentity(t, res, "did:key:mediator")

	alice := New(res, map[string][]byte{"did:key:alice": alicePriv})
	mediator := New(res, map[string][]byte{"did:key:mediator": mediatorPriv})

	msg := didcomm.New("https://didcomm.org/messagepickup/3.0/status-request")
	envelope, err := alice.Pack(context.Background(), msg, "did:key:alice", "did:key:mediator")
	require.NoError(t, err)

	result, err := mediator.Unpack(context.Background(), envelope)
	require.NoError(t, err)
	require.Equal(t, "did:key:alice", result.FromDID)
	require.True(t, result.Authenticated)
}

func TestUnpackRejectsTampering(t *testing.T) {
	res := &fakeResolver{docs: map[string]*resolver.Document{}}
	mediatorPriv := newIdentity(t, res, "did:key:mediator")
	mediator := New(res, map[string][]byte{"did:key:mediator": mediatorPriv})

	envelope, err := mediator.Pack(context.Background(), didcomm.New("t"), "", "did:key:mediator")
	require.NoError(t, err)

	tampered := make([]byte, len(envelope))
	copy(tampered, envelope)
	tampered[len(tampered)-10] ^= 0x01

	_, err = mediator.Unpack(context.Background(), tampered)
	require.Error(t, err)
	require.Equal(t, model.KindMalformed, model.KindOf(err))
}

func TestUnpackWrongRecipient(t *testing.T) {
	res := &fakeResolver{docs: map[string]*resolver.Document{}}
	newIdentity(t, res, "did:key:bob")
	mediatorPriv := newIdentity(t, res, "did:key:mediator")

	sender := New(res, nil)
	mediator := New(res, map[string][]byte{"did:key:mediator": mediatorPriv})

	envelope, err := sender.Pack(context.Background(), didcomm.New("t"), "", "did:key:bob")
	require.NoError(t, err)

	_, err = mediator.Unpack(context.Background(), envelope)
	require.Equal(t, model.KindMalformed, model.KindOf(err))
}

func TestPackUnknownRecipient(t *testing.T) {
	res := &fakeResolver{docs: map[string]*resolver.Document{}}
	p := New(res, nil)

	_, err := p.Pack(context.Background(), didcomm.New("t"), "", "did:key:nobody")
	require.Equal(t, model.KindResolutionFailed, model.KindOf(err))
}

func TestUnpackGarbage(t *testing.T) {
	p := New(&fakeResolver{docs: map[string]*resolver.Document{}}, nil)

	_, err := p.Unpack(context.Background(), []byte("not json"))
	require.Equal(t, model.KindMalformed, model.KindOf(err))
}
