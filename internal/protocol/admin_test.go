package protocol

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
)

type fakeAdminStore struct {
	accounts map[string]*model.Account
	acls     map[string]acl.Set
	limits   map[string]model.QueueLimits
	removed  []string
	lists    map[string]map[string]bool // "allow:<hash>" / "deny:<hash>" -> members
	admins   map[string]bool
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		accounts: map[string]*model.Account{},
		acls:     map[string]acl.Set{},
		limits:   map[string]model.QueueLimits{},
		lists:    map[string]map[string]bool{},
		admins:   map[string]bool{},
	}
}

func (f *fakeAdminStore) Account(_ context.Context, didHash string) (*model.Account, error) {
	return f.accounts[didHash], nil
}

func (f *fakeAdminStore) SetACL(_ context.Context, didHash string, set acl.Set) error {
	f.acls[didHash] = set
	return nil
}

func (f *fakeAdminStore) ClearACL(_ context.Context, didHash string) error {
	delete(f.acls, didHash)
	return nil
}

func (f *fakeAdminStore) SetLimits(_ context.Context, didHash string, limits model.QueueLimits) error {
	f.limits[didHash] = limits
	return nil
}

func (f *fakeAdminStore) RemoveAccount(_ context.Context, didHash string) error {
	f.removed = append(f.removed, didHash)
	delete(f.accounts, didHash)
	return nil
}

func (f *fakeAdminStore) listKey(didHash string, deny bool) string {
	if deny {
		return "deny:" + didHash
	}
	return "allow:" + didHash
}

func (f *fakeAdminStore) ListAdd(_ context.Context, didHash string, deny bool, peerHashes ...string) error {
	key := f.listKey(didHash, deny)
	if f.lists[key] == nil {
		f.lists[key] = map[string]bool{}
	}
	for _, p := range peerHashes {
		f.lists[key][p] = true
	}
	return nil
}

func (f *fakeAdminStore) ListRemove(_ context.Context, didHash string, deny bool, peerHashes ...string) error {
	for _, p := range peerHashes {
		delete(f.lists[f.listKey(didHash, deny)], p)
	}
	return nil
}

func (f *fakeAdminStore) ListMembers(_ context.Context, didHash string, deny bool) ([]string, error) {
	var out []string
	for p := range f.lists[f.listKey(didHash, deny)] {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeAdminStore) AddAdmin(_ context.Context, didHash string) error {
	f.admins[didHash] = true
	return nil
}

func (f *fakeAdminStore) RemoveAdmin(_ context.Context, didHash string) error {
	delete(f.admins, didHash)
	return nil
}

func (f *fakeAdminStore) Admins(_ context.Context) ([]string, error) {
	var out []string
	for h := range f.admins {
		out = append(out, h)
	}
	return out, nil
}

type fakeACLResolver struct {
	sets map[string]acl.Set
}

func (f *fakeACLResolver) Resolve(_ context.Context, didHash string) (acl.Set, error) {
	return f.sets[didHash], nil
}

func adminFixture() (*adminHandlers, *fakeAdminStore, *fakeACLResolver) {
	store := newFakeAdminStore()
	res := &fakeACLResolver{sets: map[string]acl.Set{}}
	h := &adminHandlers{store: store, engine: res, rootAdminHash: "root-hash", selfHash: "self-hash"}
	return h, store, res
}

func adminSession() *model.Session {
	sess := session()
	sess.Admin = true
	return sess
}

func adminMsg(typ, body string) *didcomm.Message {
	msg := didcomm.New(typ)
	msg.Body = json.RawMessage(body)
	return msg
}

func TestAdministrationRequiresAdmin(t *testing.T) {
	h, _, _ := adminFixture()

	_, err := h.administration(context.Background(), session(), adminMsg(AdministrationType, `{"action":"list"}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	// The configured root admin passes without the session flag.
	root := session()
	root.DIDHash = "root-hash"
	_, err = h.administration(context.Background(), root, adminMsg(AdministrationType, `{"action":"list"}`))
	require.NoError(t, err)
}

func TestAdministrationAddRemove(t *testing.T) {
	h, store, _ := adminFixture()
	ctx := context.Background()

	reply, err := h.administration(ctx, adminSession(),
		adminMsg(AdministrationType, `{"action":"add","admins":["bob-hash"]}`))
	require.NoError(t, err)
	require.True(t, store.admins["bob-hash"])

	var body administrationReply
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	require.Contains(t, body.Admins, "bob-hash")

	_, err = h.administration(ctx, adminSession(),
		adminMsg(AdministrationType, `{"action":"remove","admins":["bob-hash"]}`))
	require.NoError(t, err)
	require.False(t, store.admins["bob-hash"])
}

func TestAdministrationProtectedRemoval(t *testing.T) {
	h, store, _ := adminFixture()
	ctx := context.Background()

	for _, target := range []string{"root-hash", "self-hash"} {
		_, err := h.administration(ctx, adminSession(),
			adminMsg(AdministrationType, `{"action":"remove","admins":["`+target+`"]}`))
		require.Equal(t, model.KindForbidden, model.KindOf(err))
	}

	store.accounts["other-hash"] = &model.Account{DIDHash: "other-hash", Role: model.RoleRootAdmin}
	_, err := h.administration(ctx, adminSession(),
		adminMsg(AdministrationType, `{"action":"remove","admins":["other-hash"]}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))
}

func TestAccountGetSelf(t *testing.T) {
	h, store, _ := adminFixture()
	store.accounts["alice-hash"] = &model.Account{DIDHash: "alice-hash", ReceiveQueueCount: 3}

	reply, err := h.accountManagement(context.Background(), session(),
		adminMsg(AccountManagementType, `{"action":"get"}`))
	require.NoError(t, err)

	var body accountManagementReply
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	require.Equal(t, int64(3), body.Account.ReceiveQueueCount)
}

func TestAccountGetOtherRequiresAdmin(t *testing.T) {
	h, _, _ := adminFixture()

	_, err := h.accountManagement(context.Background(), session(),
		adminMsg(AccountManagementType, `{"action":"get","did_hash":"bob-hash"}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	_, err = h.accountManagement(context.Background(), adminSession(),
		adminMsg(AccountManagementType, `{"action":"get","did_hash":"bob-hash"}`))
	require.NoError(t, err)
}

func TestAccountSetLimitsSelfManage(t *testing.T) {
	h, store, res := adminFixture()
	ctx := context.Background()
	body := `{"action":"set_limits","limits":{"hard_receive":5}}`

	_, err := h.accountManagement(ctx, session(), adminMsg(AccountManagementType, body))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	res.sets["alice-hash"] = acl.Set(0).With(acl.SelfManageReceiveQueueLimit)
	_, err = h.accountManagement(ctx, session(), adminMsg(AccountManagementType, body))
	require.NoError(t, err)
	require.Equal(t, int64(5), store.limits["alice-hash"].HardReceive)

	// The receive flag does not cover send limits.
	_, err = h.accountManagement(ctx, session(),
		adminMsg(AccountManagementType, `{"action":"set_limits","limits":{"hard_send":5}}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))
}

func TestAccountRemoveProtected(t *testing.T) {
	h, store, _ := adminFixture()
	ctx := context.Background()

	_, err := h.accountManagement(ctx, adminSession(),
		adminMsg(AccountManagementType, `{"action":"remove","did_hash":"self-hash"}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	store.accounts["bob-hash"] = &model.Account{DIDHash: "bob-hash"}
	_, err = h.accountManagement(ctx, adminSession(),
		adminMsg(AccountManagementType, `{"action":"remove","did_hash":"bob-hash"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"bob-hash"}, store.removed)
}

func TestACLSetAndGet(t *testing.T) {
	h, store, res := adminFixture()
	ctx := context.Background()

	_, err := h.aclManagement(ctx, adminSession(),
		adminMsg(ACLManagementType, `{"action":"set","did_hash":"bob-hash","acl":"0007"}`))
	require.NoError(t, err)
	require.Equal(t, acl.Set(7), store.acls["bob-hash"])

	res.sets["bob-hash"] = acl.Set(7)
	reply, err := h.aclManagement(ctx, adminSession(),
		adminMsg(ACLManagementType, `{"action":"get","did_hash":"bob-hash"}`))
	require.NoError(t, err)

	var body aclManagementReply
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	require.Equal(t, "0007", body.ACL)
}

func TestACLDemotionGuard(t *testing.T) {
	h, _, _ := adminFixture()
	ctx := context.Background()

	// Stripping the admin bit from a protected account is refused; keeping
	// it is fine.
	_, err := h.aclManagement(ctx, adminSession(),
		adminMsg(ACLManagementType, `{"action":"set","did_hash":"root-hash","acl":"0007"}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	withAdmin := acl.Set(0).With(acl.AllowAuth).With(acl.Admin).Hex()
	_, err = h.aclManagement(ctx, adminSession(),
		adminMsg(ACLManagementType, `{"action":"set","did_hash":"root-hash","acl":"`+withAdmin+`"}`))
	require.NoError(t, err)

	_, err = h.aclManagement(ctx, adminSession(),
		adminMsg(ACLManagementType, `{"action":"clear","did_hash":"root-hash"}`))
	require.Equal(t, model.KindForbidden, model.KindOf(err))
}

func TestACLListSelfManage(t *testing.T) {
	h, store, res := adminFixture()
	ctx := context.Background()
	body := `{"action":"list_add","list":"deny","members":["mallory-hash"]}`

	_, err := h.aclManagement(ctx, session(), adminMsg(ACLManagementType, body))
	require.Equal(t, model.KindForbidden, model.KindOf(err))

	res.sets["alice-hash"] = acl.Set(0).With(acl.SelfManageList)
	_, err = h.aclManagement(ctx, session(), adminMsg(ACLManagementType, body))
	require.NoError(t, err)
	require.True(t, store.lists["deny:alice-hash"]["mallory-hash"])

	reply, err := h.aclManagement(ctx, session(),
		adminMsg(ACLManagementType, `{"action":"list_get","list":"deny"}`))
	require.NoError(t, err)
	var out aclManagementReply
	require.NoError(t, json.Unmarshal(reply.Body, &out))
	require.Equal(t, []string{"mallory-hash"}, out.Members)

	_, err = h.aclManagement(ctx, session(),
		adminMsg(ACLManagementType, `{"action":"list_remove","list":"deny","members":["mallory-hash"]}`))
	require.NoError(t, err)
	require.False(t, store.lists["deny:alice-hash"]["mallory-hash"])
}

func TestACLUnknownList(t *testing.T) {
	h, _, _ := adminFixture()

	_, err := h.aclManagement(context.Background(), adminSession(),
		adminMsg(ACLManagementType, `{"action":"list_get","list":"sometimes"}`))
	require.Equal(t, model.KindMalformed, model.KindOf(err))
}
