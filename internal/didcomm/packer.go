package didcomm

import "context"

type (
	// UnpackResult is a decrypted envelope together with what the crypto
	// layer learned about it.
	UnpackResult struct {
		Message       *Message
		FromDID       string // empty for anonymous encryption
		Authenticated bool   // sender signature or authcrypt verified
	}

	// Packer is the envelope encryption boundary. Implementations wrap a
	// DIDComm crypto library; the mediator never touches key material for
	// client messages directly.
	Packer interface {
		// Pack encrypts msg for the to DID. An empty from produces an
		// anonymous envelope.
		Pack(ctx context.Context, msg *Message, from, to string) ([]byte, error)

		// Unpack decrypts an envelope addressed to the mediator.
		Unpack(ctx context.Context, envelope []byte) (*UnpackResult, error)
	}
)
