package acl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/model"
)

type fakeDirectory struct {
	accounts map[string]*model.Account
	verdicts map[string]ListVerdict // keyed owner|peer
}

func (f *fakeDirectory) Account(_ context.Context, didHash string) (*model.Account, error) {
	return f.accounts[didHash], nil
}

func (f *fakeDirectory) ListVerdict(_ context.Context, didHash, peerHash string) (ListVerdict, error) {
	return f.verdicts[didHash+"|"+peerHash], nil
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accounts: map[string]*model.Account{},
		verdicts: map[string]ListVerdict{},
	}
}

var defaultSet = Set(0).With(AllowInbound).With(AllowOutbound).With(AllowAuth)

func TestResolveDefault(t *testing.T) {
	dir := newFakeDirectory()
	engine := NewEngine(dir, defaultSet, 0, 0)

	set, err := engine.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, defaultSet, set)

	dir.accounts["alice"] = &model.Account{DIDHash: "alice", HasACL: true, ACL: uint64(Set(0).With(Admin))}
	set, err = engine.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, set.Has(Admin))
	require.False(t, set.Has(AllowInbound))
}

func TestAllowAuthentication(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["blocked"] = &model.Account{DIDHash: "blocked", HasACL: true, ACL: 0}
	engine := NewEngine(dir, defaultSet, 0, 0)

	require.NoError(t, engine.AllowAuthentication(context.Background(), "anyone"))

	err := engine.AllowAuthentication(context.Background(), "blocked")
	require.Error(t, err)
	require.Equal(t, model.KindACLDenied, model.KindOf(err))
}

func TestCheckIngressAnonymous(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["open"] = &model.Account{
		DIDHash: "open", HasACL: true,
		ACL: uint64(Set(0).With(AllowInbound).With(AllowAnonMsg)),
	}
	engine := NewEngine(dir, defaultSet, 0, 0)

	// Default ACL has no ALLOW_ANON_MSG.
	err := engine.CheckIngress(context.Background(), Ingress{RecipientHash: "bob"})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))

	require.NoError(t, engine.CheckIngress(context.Background(), Ingress{RecipientHash: "open"}))

	// An unauthenticated sender hash is still anonymous.
	err = engine.CheckIngress(context.Background(), Ingress{SenderHash: "mallory", RecipientHash: "bob"})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))
}

func TestCheckIngressSenderEgress(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["muted"] = &model.Account{
		DIDHash: "muted", HasACL: true,
		ACL: uint64(Set(0).With(AllowInbound)),
	}
	engine := NewEngine(dir, defaultSet, 0, 0)

	err := engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "muted", Authenticated: true, RecipientHash: "bob",
	})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))

	require.NoError(t, engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "alice", Authenticated: true, RecipientHash: "bob",
	}))
}

func TestCheckIngressRecipientInbound(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["closed"] = &model.Account{
		DIDHash: "closed", HasACL: true,
		ACL: uint64(Set(0).With(AllowOutbound)),
	}
	engine := NewEngine(dir, defaultSet, 0, 0)

	err := engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "alice", Authenticated: true, RecipientHash: "closed",
	})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))
}

func TestCheckIngressLists(t *testing.T) {
	dir := newFakeDirectory()
	engine := NewEngine(dir, defaultSet, 0, 0)
	ctx := context.Background()

	// Peer on the deny list is refused.
	dir.verdicts["bob|mallory"] = ListVerdict{DenySize: 1, InDeny: true}
	err := engine.CheckIngress(ctx, Ingress{SenderHash: "mallory", Authenticated: true, RecipientHash: "bob"})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))

	// A non-empty allow list admits only its members, deny list ignored.
	dir.verdicts["carol|alice"] = ListVerdict{AllowSize: 1, InAllow: true, DenySize: 1, InDeny: true}
	require.NoError(t, engine.CheckIngress(ctx, Ingress{SenderHash: "alice", Authenticated: true, RecipientHash: "carol"}))

	dir.verdicts["carol|mallory"] = ListVerdict{AllowSize: 1}
	err = engine.CheckIngress(ctx, Ingress{SenderHash: "mallory", Authenticated: true, RecipientHash: "carol"})
	require.Equal(t, model.KindACLDenied, model.KindOf(err))
}

func TestCheckIngressQueueLimit(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["bob"] = &model.Account{
		DIDHash:           "bob",
		Limits:            model.QueueLimits{HardReceive: 3},
		ReceiveQueueCount: 3,
	}
	engine := NewEngine(dir, defaultSet, 0, 0)

	err := engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "alice", Authenticated: true, RecipientHash: "bob",
	})
	require.Equal(t, model.KindQueueLimit, model.KindOf(err))

	dir.accounts["bob"].ReceiveQueueCount = 2
	require.NoError(t, engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "alice", Authenticated: true, RecipientHash: "bob",
	}))
}

func TestCheckIngressDefaultHardLimit(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["bob"] = &model.Account{DIDHash: "bob", ReceiveQueueCount: 5}
	engine := NewEngine(dir, defaultSet, 5, 0)

	err := engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "alice", Authenticated: true, RecipientHash: "bob",
	})
	require.Equal(t, model.KindQueueLimit, model.KindOf(err))
}

func TestCheckIngressAdminBypassesQueueLimit(t *testing.T) {
	dir := newFakeDirectory()
	dir.accounts["admin"] = &model.Account{
		DIDHash: "admin", HasACL: true,
		ACL: uint64(Set(0).With(AllowOutbound).With(Admin)),
	}
	dir.accounts["bob"] = &model.Account{
		DIDHash:           "bob",
		Limits:            model.QueueLimits{HardReceive: 1},
		ReceiveQueueCount: 1,
	}
	engine := NewEngine(dir, defaultSet, 0, 0)

	require.NoError(t, engine.CheckIngress(context.Background(), Ingress{
		SenderHash: "admin", Authenticated: true, RecipientHash: "bob",
	}))
}

func TestHardSendLimit(t *testing.T) {
	engine := NewEngine(newFakeDirectory(), defaultSet, 0, 100)

	require.Equal(t, int64(100), engine.HardSendLimit(nil))
	require.Equal(t, int64(100), engine.HardSendLimit(&model.Account{}))
	require.Equal(t, int64(7), engine.HardSendLimit(&model.Account{Limits: model.QueueLimits{HardSend: 7}}))
}
