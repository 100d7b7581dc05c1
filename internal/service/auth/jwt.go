package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"didcomm_mediator/internal/model"
)

// accessClaims is the payload of the EdDSA-signed access token.
type accessClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

func (a *Authenticator) mintAccess(sess *model.Session, now time.Time) (string, error) {
	claims := accessClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.DID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.opts.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.signKey)
	if err != nil {
		return "", model.Errorf(model.KindInternal, "access token signing: %w", err)
	}
	return token, nil
}

func (a *Authenticator) parseAccess(tokenString string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return a.signKey.Public(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, model.NewError(model.KindTokenExpired, "access token expired")
	default:
		return nil, model.NewError(model.KindSignatureInvalid, "access token rejected")
	}
}
