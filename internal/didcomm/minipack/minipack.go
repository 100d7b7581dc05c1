// Package minipack is a compact DIDComm envelope codec for development and
// tests: X25519 key agreement, HKDF-SHA256 and AES-256-GCM over a single
// recipient. It implements didcomm.Packer so the mediator pipeline runs
// end to end without a full JWE stack. Production deployments plug in a
// complete DIDComm crypto library behind the same interface.
package minipack

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/mr-tron/base58"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
)

const (
	algAnon = "ECDH-ES+HKDF-256"
	algAuth = "ECDH-1PU+HKDF-256"
	encGCM  = "A256GCM"
)

type (
	// Packer holds the X25519 private keys of the DIDs this process can
	// decrypt for, keyed by DID.
	Packer struct {
		res     resolver.Resolver
		secrets map[string][]byte
	}

	protectedHeader struct {
		Type string `json:"typ"`
		Alg  string `json:"alg"`
		Enc  string `json:"enc"`
		EPK  string `json:"epk"`            // base58 ephemeral public key
		SKID string `json:"skid,omitempty"` // sender DID, absent on anonymous envelopes
		KID  string `json:"kid"`            // recipient DID
	}

	envelope struct {
		Protected  protectedHeader `json:"protected"`
		Ciphertext string          `json:"ciphertext"`
	}
)

// New builds a packer around the resolver and the private keys this process
// holds. secrets maps a DID to its 32-byte X25519 private key.
func New(res resolver.Resolver, secrets map[string][]byte) *Packer {
	return &Packer{res: res, secrets: secrets}
}

func (p *Packer) Pack(ctx context.Context, msg *didcomm.Message, from, to string) ([]byte, error) {
	recipientPub, err := p.agreementKey(ctx, to)
	if err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := newKeyPair()
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "ephemeral key: %v", err)
	}
	secret, err := sharedSecret(ephPriv, recipientPub)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "key agreement: %v", err)
	}

	alg := algAnon
	if from != "" {
		senderPriv, held := p.secrets[from]
		if !held {
			return nil, model.Errorf(model.KindInternal, "no private key held for %s", from)
		}
		static, err := sharedSecret(senderPriv, recipientPub)
		if err != nil {
			return nil, model.Errorf(model.KindInternal, "key agreement: %v", err)
		}
		secret = append(secret, static...)
		alg = algAuth
	}

	key, err := deriveKey(secret, alg)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "derive key: %v", err)
	}

	header := protectedHeader{
		Type: "application/didcomm-encrypted+json",
		Alg:  alg,
		Enc:  encGCM,
		EPK:  base58.Encode(ephPub),
		SKID: from,
		KID:  to,
	}
	aad, _ := json.Marshal(header)
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "marshal message: %v", err)
	}
	ciphertext, err := seal(key, plaintext, aad)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "encrypt: %v", err)
	}

	return json.Marshal(envelope{
		Protected:  header,
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
	})
}

func (p *Packer) Unpack(ctx context.Context, raw []byte) (*didcomm.UnpackResult, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, model.NewError(model.KindMalformed, "not a didcomm envelope")
	}
	header := env.Protected
	if header.Enc != encGCM || (header.Alg != algAnon && header.Alg != algAuth) {
		return nil, model.Errorf(model.KindMalformed, "unsupported envelope algorithm %q", header.Alg)
	}

	recipientPriv, held := p.secrets[header.KID]
	if !held {
		return nil, model.Errorf(model.KindMalformed, "envelope is not addressed to a held key")
	}
	ephPub, err := base58.Decode(header.EPK)
	if err != nil || len(ephPub) != keySize {
		return nil, model.NewError(model.KindMalformed, "malformed ephemeral key")
	}

	secret, err := sharedSecret(recipientPriv, ephPub)
	if err != nil {
		return nil, model.NewError(model.KindMalformed, "key agreement failed")
	}
	if header.SKID != "" {
		senderPub, err := p.agreementKey(ctx, header.SKID)
		if err != nil {
			return nil, err
		}
		static, err := sharedSecret(recipientPriv, senderPub)
		if err != nil {
			return nil, model.NewError(model.KindMalformed, "key agreement failed")
		}
		secret = append(secret, static...)
	}

	key, err := deriveKey(secret, header.Alg)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "derive key: %v", err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, model.NewError(model.KindMalformed, "malformed ciphertext")
	}
	aad, _ := json.Marshal(header)
	plaintext, err := open(key, ciphertext, aad)
	if err != nil {
		return nil, model.NewError(model.KindMalformed, "envelope decryption failed")
	}

	msg := &didcomm.Message{}
	if err := json.Unmarshal(plaintext, msg); err != nil {
		return nil, model.NewError(model.KindMalformed, "envelope payload is not a didcomm message")
	}
	return &didcomm.UnpackResult{
		Message:       msg,
		FromDID:       header.SKID,
		Authenticated: header.SKID != "",
	}, nil
}

// agreementKey resolves a DID and returns its first X25519 key agreement key.
func (p *Packer) agreementKey(ctx context.Context, did string) ([]byte, error) {
	doc, err := p.res.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	for _, k := range doc.KeyAgreement {
		if len(k.X25519) == keySize {
			return k.X25519, nil
		}
	}
	return nil, model.Errorf(model.KindResolutionFailed, "no key agreement key on %s", did)
}
