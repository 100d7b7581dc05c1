package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/require"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/utils/hash"
)

type fakeStore struct {
	sessions map[string]*model.Session
	refresh  map[string]string // token hash -> session uuid
	counter  int
}

func newFakeAuthStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*model.Session{},
		refresh:  map[string]string{},
	}
}

func (f *fakeStore) PutSession(_ context.Context, sess *model.Session, _ time.Duration) error {
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) Session(_ context.Context, id string) (*model.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) ConsumeNonce(_ context.Context, sessionID string) (string, error) {
	sess, ok := f.sessions[sessionID]
	if !ok || sess.NonceHash == "" {
		return "", nil
	}
	h := sess.NonceHash
	sess.NonceHash = ""
	return h, nil
}

func (f *fakeStore) PutRefreshToken(_ context.Context, tokenHash, sessionID string, _ time.Duration) error {
	f.refresh[tokenHash] = sessionID
	return nil
}

func (f *fakeStore) TakeRefreshToken(_ context.Context, tokenHash string) (string, error) {
	id := f.refresh[tokenHash]
	delete(f.refresh, tokenHash)
	return id, nil
}

func (f *fakeStore) IncrSessions(context.Context) error {
	f.counter++
	return nil
}

type fakeDirectory struct {
	accounts map[string]*model.Account
}

func (f *fakeDirectory) Account(_ context.Context, didHash string) (*model.Account, error) {
	return f.accounts[didHash], nil
}

func (f *fakeDirectory) ListVerdict(context.Context, string, string) (acl.ListVerdict, error) {
	return acl.ListVerdict{}, nil
}

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

type fixture struct {
	auth  *Authenticator
	store *fakeStore
	dir   *fakeDirectory
	res   *fakeResolver
	priv  ed25519.PrivateKey // the client's authentication key
	did   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, signKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	did := "did:key:alice"
	res := &fakeResolver{docs: map[string]*resolver.Document{
		did: {
			DID:            did,
			Authentication: []resolver.Key{{ID: did + "#key-1", Ed25519: pub}},
		},
	}}
	dir := &fakeDirectory{accounts: map[string]*model.Account{}}
	engine := acl.NewEngine(dir,
		acl.Set(0).With(acl.AllowInbound).With(acl.AllowOutbound).With(acl.AllowAuth), 0, 0)
	store := newFakeAuthStore()

	return &fixture{
		auth: New(store, res, engine, signKey, Options{
			ChallengeTTL: time.Minute,
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   24 * time.Hour,
		}),
		store: store,
		dir:   dir,
		res:   res,
		priv:  priv,
		did:   did,
	}
}

// signResponse signs a challenge response the way a client would.
func signResponse(t *testing.T, key ed25519.PrivateKey, challenge string) []byte {
	t.Helper()

	msg := didcomm.New(ResponseType)
	msg.Body = json.RawMessage(fmt.Sprintf(`{"challenge":%q}`, challenge))
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: key}, nil)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return []byte(compact)
}

func TestChallengeResponseFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)
	require.NotEmpty(t, ch.SessionID)
	require.Len(t, ch.Challenge, 64)

	tokens, err := fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, ch.Challenge))
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.Equal(t, ch.SessionID, tokens.SessionID)
	require.Equal(t, 1, fx.store.counter)

	sess := fx.store.sessions[ch.SessionID]
	require.Equal(t, model.SessionAuthenticated, sess.State)
	require.False(t, sess.Admin)

	verified, err := fx.auth.Verify(ctx, tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, fx.did, verified.DID)
}

func TestChallengeSingleUse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)

	// Burn the nonce with a bad signature, then present the real one.
	_, wrongKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, wrongKey, ch.Challenge))
	require.Equal(t, model.KindSignatureInvalid, model.KindOf(err))

	_, err = fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, ch.Challenge))
	require.Equal(t, model.KindChallengeExpired, model.KindOf(err))
}

func TestAuthenticateWrongChallenge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)

	_, err = fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, "not-the-nonce"))
	require.Equal(t, model.KindSignatureInvalid, model.KindOf(err))
}

func TestAuthenticateUnknownSession(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.auth.Authenticate(context.Background(), "no-such-session", []byte("x"))
	require.Equal(t, model.KindChallengeExpired, model.KindOf(err))
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)

	_, err = fx.auth.Authenticate(ctx, ch.SessionID, []byte("not a jws"))
	require.Equal(t, model.KindMalformed, model.KindOf(err))
}

func TestChallengeDeniedByPolicy(t *testing.T) {
	fx := newFixture(t)
	fx.dir.accounts[hash.DID(fx.did)] = &model.Account{
		DIDHash: hash.DID(fx.did),
		HasACL:  true,
		ACL:     uint64(acl.AllowInbound), // no AllowAuth
	}

	_, err := fx.auth.NewChallenge(context.Background(), fx.did)
	require.Equal(t, model.KindACLDenied, model.KindOf(err))
}

func TestAdminFlagFromACL(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.dir.accounts[hash.DID(fx.did)] = &model.Account{
		DIDHash: hash.DID(fx.did),
		HasACL:  true,
		ACL:     uint64(acl.AllowAuth | acl.Admin),
	}

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)
	_, err = fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, ch.Challenge))
	require.NoError(t, err)

	require.True(t, fx.store.sessions[ch.SessionID].Admin)
}

func TestRefreshRotation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)
	first, err := fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, ch.Challenge))
	require.NoError(t, err)

	second, err := fx.auth.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old token was consumed by the rotation.
	_, err = fx.auth.Refresh(ctx, first.RefreshToken)
	require.Equal(t, model.KindTokenExpired, model.KindOf(err))

	_, err = fx.auth.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.auth.Refresh(context.Background(), "never-issued")
	require.Equal(t, model.KindTokenExpired, model.KindOf(err))
}

func TestVerifyAfterLogout(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ch, err := fx.auth.NewChallenge(ctx, fx.did)
	require.NoError(t, err)
	tokens, err := fx.auth.Authenticate(ctx, ch.SessionID, signResponse(t, fx.priv, ch.Challenge))
	require.NoError(t, err)

	require.NoError(t, fx.auth.Logout(ctx, tokens.SessionID))

	_, err = fx.auth.Verify(ctx, tokens.AccessToken)
	require.Equal(t, model.KindTokenExpired, model.KindOf(err))

	// Refresh dies with the session too.
	_, err = fx.auth.Refresh(ctx, tokens.RefreshToken)
	require.Equal(t, model.KindTokenExpired, model.KindOf(err))
}
