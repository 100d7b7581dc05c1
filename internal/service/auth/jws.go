package auth

import (
	"encoding/json"

	jose "github.com/go-jose/go-jose/v3"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
)

// ResponseType is the message type a client signs to answer a challenge.
const ResponseType = "https://affinidi.com/atm/1.0/authenticate"

type responseBody struct {
	Challenge string `json:"challenge"`
}

// verifySignedResponse parses the JWS and checks it against the authentication
// verification methods of the client's resolved DID document. Any key listed
// there is acceptable; keys from other sections of the document are not.
func verifySignedResponse(doc *resolver.Document, envelope []byte) (*didcomm.Message, error) {
	jws, err := jose.ParseSigned(string(envelope))
	if err != nil {
		return nil, model.NewError(model.KindMalformed, "challenge response is not a JWS")
	}

	var payload []byte
	for _, key := range doc.Authentication {
		if key.Ed25519 == nil {
			continue
		}
		if p, err := jws.Verify(key.Ed25519); err == nil {
			payload = p
			break
		}
	}
	if payload == nil {
		return nil, model.NewError(model.KindSignatureInvalid, "signature not made by an authentication key of the DID")
	}

	var msg didcomm.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, model.NewError(model.KindMalformed, "signed payload is not a DIDComm message")
	}
	if msg.Type != ResponseType {
		return nil, model.Errorf(model.KindMalformed, "unexpected response type %q", msg.Type)
	}
	return &msg, nil
}

func challengeFrom(msg *didcomm.Message) (string, error) {
	var body responseBody
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.Challenge == "" {
		return "", model.NewError(model.KindMalformed, "challenge response body missing challenge")
	}
	return body.Challenge, nil
}
