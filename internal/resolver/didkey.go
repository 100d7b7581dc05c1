package resolver

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mr-tron/base58"

	"didcomm_mediator/internal/model"
)

// Multicodec prefixes for the key types the mediator understands.
var (
	prefixEd25519 = []byte{0xed, 0x01}
	prefixX25519  = []byte{0xec, 0x01}
)

func decodeMultibaseKey(did, encoded string) (*Key, error) {
	if !strings.HasPrefix(encoded, "z") {
		return nil, model.Errorf(model.KindResolutionFailed, "%s: unsupported multibase prefix", did)
	}

	raw, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, model.Errorf(model.KindResolutionFailed, "%s: bad base58 key: %v", did, err)
	}
	if len(raw) < 3 {
		return nil, model.Errorf(model.KindResolutionFailed, "%s: key too short", did)
	}

	switch {
	case raw[0] == prefixEd25519[0] && raw[1] == prefixEd25519[1]:
		pub := raw[2:]
		if len(pub) != ed25519.PublicKeySize {
			return nil, model.Errorf(model.KindResolutionFailed, "%s: bad ed25519 key length %d", did, len(pub))
		}
		return &Key{
			ID:      did + "#" + encoded,
			Type:    "Ed25519VerificationKey2020",
			Ed25519: ed25519.PublicKey(pub),
		}, nil
	case raw[0] == prefixX25519[0] && raw[1] == prefixX25519[1]:
		pub := raw[2:]
		if len(pub) != 32 {
			return nil, model.Errorf(model.KindResolutionFailed, "%s: bad x25519 key length %d", did, len(pub))
		}
		return &Key{
			ID:     did + "#" + encoded,
			Type:   "X25519KeyAgreementKey2020",
			X25519: pub,
		}, nil
	}
	return nil, model.Errorf(model.KindResolutionFailed, "%s: unsupported key multicodec", did)
}

func resolveKey(did string) (*Document, error) {
	encoded := strings.TrimPrefix(did, "did:key:")
	key, err := decodeMultibaseKey(did, encoded)
	if err != nil {
		return nil, err
	}

	doc := &Document{DID: did}
	if key.Ed25519 != nil {
		doc.Authentication = []Key{*key}
	} else {
		doc.KeyAgreement = []Key{*key}
	}
	return doc, nil
}

// did:peer:2 elements: V (verification), E (encryption) and S (service,
// base64url JSON with abbreviated field names).
type peerService struct {
	Type        string   `json:"t"`
	Endpoint    string   `json:"s"`
	RoutingKeys []string `json:"r,omitempty"`
}

func resolvePeer(did string) (*Document, error) {
	suffix := strings.TrimPrefix(did, "did:peer:")
	if suffix == "" {
		return nil, model.Errorf(model.KindResolutionFailed, "%s: empty did:peer", did)
	}

	switch suffix[0] {
	case '0':
		// numalgo 0 is a did:key-style single signing key
		key, err := decodeMultibaseKey(did, suffix[1:])
		if err != nil {
			return nil, err
		}
		if key.Ed25519 == nil {
			return nil, model.Errorf(model.KindResolutionFailed, "%s: numalgo 0 requires a signing key", did)
		}
		return &Document{DID: did, Authentication: []Key{*key}}, nil
	case '2':
		return resolvePeer2(did, suffix[1:])
	}
	return nil, model.Errorf(model.KindResolutionFailed, "%s: unsupported did:peer numalgo %c", did, suffix[0])
}

func resolvePeer2(did, elements string) (*Document, error) {
	doc := &Document{DID: did}

	for _, elem := range strings.Split(elements, ".") {
		if elem == "" {
			continue
		}
		purpose, value := elem[0], elem[1:]
		switch purpose {
		case 'V':
			key, err := decodeMultibaseKey(did, value)
			if err != nil {
				return nil, err
			}
			doc.Authentication = append(doc.Authentication, *key)
		case 'E':
			key, err := decodeMultibaseKey(did, value)
			if err != nil {
				return nil, err
			}
			doc.KeyAgreement = append(doc.KeyAgreement, *key)
		case 'S':
			raw, err := base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return nil, model.Errorf(model.KindResolutionFailed, "%s: bad service encoding: %v", did, err)
			}
			var svc peerService
			if err := json.Unmarshal(raw, &svc); err != nil {
				return nil, model.Errorf(model.KindResolutionFailed, "%s: bad service json: %v", did, err)
			}
			typ := svc.Type
			if typ == "dm" || typ == "" {
				typ = "DIDCommMessaging"
			}
			doc.Services = append(doc.Services, Service{
				ID:          did + "#service",
				Type:        typ,
				Endpoint:    svc.Endpoint,
				RoutingKeys: svc.RoutingKeys,
			})
		}
	}

	if len(doc.Authentication) == 0 && len(doc.KeyAgreement) == 0 {
		return nil, model.Errorf(model.KindResolutionFailed, "%s: no keys in did:peer", did)
	}
	return doc, nil
}
