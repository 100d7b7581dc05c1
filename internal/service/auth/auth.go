// Package auth implements the DID challenge protocol and the token lifecycle
// that gates every other mediator surface. A client proves control of its DID
// by signing a server nonce with one of the DID document's authentication
// keys; the reward is a short-lived EdDSA JWT plus an opaque, rotating
// refresh token.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/utils/hash"
	"didcomm_mediator/internal/utils/log"
)

const nonceBytes = 32

type (
	// Store is the slice of the session store the authenticator needs.
	Store interface {
		PutSession(ctx context.Context, sess *model.Session, ttl time.Duration) error
		Session(ctx context.Context, id string) (*model.Session, error)
		DeleteSession(ctx context.Context, id string) error
		ConsumeNonce(ctx context.Context, sessionID string) (string, error)
		PutRefreshToken(ctx context.Context, tokenHash, sessionID string, ttl time.Duration) error
		TakeRefreshToken(ctx context.Context, tokenHash string) (string, error)
		IncrSessions(ctx context.Context) error
	}

	// Options bound the lifetimes of the three credentials the authenticator
	// hands out.
	Options struct {
		ChallengeTTL time.Duration
		AccessTTL    time.Duration
		RefreshTTL   time.Duration
	}

	// Authenticator drives the challenge protocol end to end.
	Authenticator struct {
		store    Store
		resolver resolver.Resolver
		engine   *acl.Engine
		signKey  ed25519.PrivateKey
		opts     Options
	}

	// Challenge is the reply to a challenge request.
	Challenge struct {
		SessionID string `json:"session_id"`
		Challenge string `json:"challenge"`
	}
)

func New(store Store, res resolver.Resolver, engine *acl.Engine, signKey ed25519.PrivateKey, opts Options) *Authenticator {
	return &Authenticator{store: store, resolver: res, engine: engine, signKey: signKey, opts: opts}
}

// NewChallenge opens a session in state CHALLENGED and returns the nonce the
// client must sign. The nonce is stored hashed; the clear value exists only
// in the reply.
func (a *Authenticator) NewChallenge(ctx context.Context, did string) (*Challenge, error) {
	didHash := hash.DID(did)
	if err := a.engine.AllowAuthentication(ctx, didHash); err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, model.Errorf(model.KindInternal, "nonce generation: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	sess := &model.Session{
		ID:        uuid.NewString(),
		DID:       did,
		DIDHash:   didHash,
		State:     model.SessionChallenged,
		NonceHash: hashNonce(nonceHex),
	}
	if err := a.store.PutSession(ctx, sess, a.opts.ChallengeTTL); err != nil {
		return nil, err
	}

	log.Debug("challenge issued", zap.String("session", sess.ID), zap.String("did_hash", didHash))
	return &Challenge{SessionID: sess.ID, Challenge: nonceHex}, nil
}

// Authenticate verifies a signed challenge response and promotes the session
// to AUTHENTICATED. envelope is the raw JWS the client posted.
func (a *Authenticator) Authenticate(ctx context.Context, sessionID string, envelope []byte) (*model.AuthTokens, error) {
	sess, err := a.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != model.SessionChallenged {
		return nil, model.NewError(model.KindChallengeExpired, "no outstanding challenge for session")
	}

	// Single use: whatever the verification outcome, the nonce is gone.
	nonceHash, err := a.store.ConsumeNonce(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if nonceHash == "" {
		return nil, model.NewError(model.KindChallengeExpired, "challenge already used")
	}

	doc, err := a.resolver.Resolve(ctx, sess.DID)
	if err != nil {
		return nil, err
	}
	msg, err := verifySignedResponse(doc, envelope)
	if err != nil {
		return nil, err
	}
	presented, err := challengeFrom(msg)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hashNonce(presented)), []byte(nonceHash)) != 1 {
		return nil, model.NewError(model.KindSignatureInvalid, "challenge mismatch")
	}

	set, err := a.engine.Resolve(ctx, sess.DIDHash)
	if err != nil {
		return nil, err
	}
	sess.Admin = set.Has(acl.Admin)

	tokens, err := a.issueTokens(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := a.store.IncrSessions(ctx); err != nil {
		log.Warn("session counter increment failed", zap.Error(err))
	}
	log.Info("session authenticated",
		zap.String("session", sess.ID), zap.String("did_hash", sess.DIDHash), zap.Bool("admin", sess.Admin))
	return tokens, nil
}

// Refresh rotates both tokens. The presented refresh token is consumed
// whether or not the rotation succeeds.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*model.AuthTokens, error) {
	sessionID, err := a.store.TakeRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, model.NewError(model.KindTokenExpired, "unknown or rotated refresh token")
	}

	sess, err := a.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != model.SessionAuthenticated {
		return nil, model.NewError(model.KindTokenExpired, "session no longer active")
	}
	return a.issueTokens(ctx, sess)
}

// Verify checks an access token and returns the live session it belongs to.
// A valid signature is not enough: the session record must still exist and be
// AUTHENTICATED, so revoking a session invalidates its outstanding tokens.
func (a *Authenticator) Verify(ctx context.Context, accessToken string) (*model.Session, error) {
	claims, err := a.parseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	sess, err := a.store.Session(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != model.SessionAuthenticated || sess.DID != claims.Subject {
		return nil, model.NewError(model.KindTokenExpired, "session revoked or expired")
	}
	return sess, nil
}

// Logout tears the session down; outstanding tokens die with it.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	return a.store.DeleteSession(ctx, sessionID)
}

func (a *Authenticator) issueTokens(ctx context.Context, sess *model.Session) (*model.AuthTokens, error) {
	now := time.Now()
	access, err := a.mintAccess(sess, now)
	if err != nil {
		return nil, err
	}

	refresh := make([]byte, nonceBytes)
	if _, err := rand.Read(refresh); err != nil {
		return nil, model.Errorf(model.KindInternal, "refresh token generation: %w", err)
	}
	refreshHex := hex.EncodeToString(refresh)

	sess.State = model.SessionAuthenticated
	sess.IssuedAt = now.Unix()
	sess.ExpiresAt = now.Add(a.opts.AccessTTL).Unix()
	if err := a.store.PutSession(ctx, sess, a.opts.RefreshTTL); err != nil {
		return nil, err
	}
	if err := a.store.PutRefreshToken(ctx, hashToken(refreshHex), sess.ID, a.opts.RefreshTTL); err != nil {
		return nil, err
	}

	return &model.AuthTokens{
		AccessToken:      access,
		AccessExpiresAt:  sess.ExpiresAt,
		RefreshToken:     refreshHex,
		RefreshExpiresAt: now.Add(a.opts.RefreshTTL).Unix(),
		SessionID:        sess.ID,
	}, nil
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
