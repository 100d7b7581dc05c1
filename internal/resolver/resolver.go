// Package resolver resolves DIDs to the document subset the mediator needs:
// authentication keys, key agreement keys and service endpoints. did:key and
// did:peer are decoded locally; anything else goes through the configured
// fallback resolver.
package resolver

import (
	"context"
	"crypto/ed25519"
	"strings"

	"didcomm_mediator/internal/model"
)

type (
	// Key is one verification method from a resolved document.
	Key struct {
		ID      string
		Type    string
		Ed25519 ed25519.PublicKey
		X25519  []byte
	}

	// Service is a DIDCommMessaging service entry.
	Service struct {
		ID          string
		Type        string
		Endpoint    string
		RoutingKeys []string
	}

	// Document is the resolved subset of a DID document.
	Document struct {
		DID            string
		Authentication []Key
		KeyAgreement   []Key
		Services       []Service
	}

	// Resolver turns a DID into its document.
	Resolver interface {
		Resolve(ctx context.Context, did string) (*Document, error)
	}

	// Local decodes did:key and did:peer without network access.
	Local struct {
		fallback Resolver
	}
)

// NewLocal returns a resolver for did:key and did:peer. fallback, when
// non-nil, handles every other method.
func NewLocal(fallback Resolver) *Local {
	return &Local{fallback: fallback}
}

func (l *Local) Resolve(ctx context.Context, did string) (*Document, error) {
	switch {
	case strings.HasPrefix(did, "did:key:"):
		return resolveKey(did)
	case strings.HasPrefix(did, "did:peer:"):
		return resolvePeer(did)
	}
	if l.fallback != nil {
		return l.fallback.Resolve(ctx, did)
	}
	return nil, model.Errorf(model.KindResolutionFailed, "unsupported DID method: %s", did)
}

// Endpoint returns the first DIDCommMessaging service endpoint.
func (d *Document) Endpoint() (string, error) {
	for _, s := range d.Services {
		if s.Type == "DIDCommMessaging" && s.Endpoint != "" {
			return s.Endpoint, nil
		}
	}
	return "", model.Errorf(model.KindResolutionFailed, "no DIDCommMessaging service on %s", d.DID)
}
