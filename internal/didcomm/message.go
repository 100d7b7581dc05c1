package didcomm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type (
	// Message is a DIDComm v2 plaintext message. Only the headers the
	// mediator reads are modelled; Body stays raw for handler-specific
	// decoding.
	Message struct {
		ID          string          `json:"id"`
		Type        string          `json:"type"`
		From        string          `json:"from,omitempty"`
		To          []string        `json:"to,omitempty"`
		ThreadID    string          `json:"thid,omitempty"`
		CreatedTime int64           `json:"created_time,omitempty"` // seconds since epoch
		ExpiresTime int64           `json:"expires_time,omitempty"` // seconds since epoch
		ReturnRoute string          `json:"return_route,omitempty"`
		Ephemeral   bool            `json:"ephemeral,omitempty"`
		Body        json.RawMessage `json:"body,omitempty"`
		Attachments []Attachment    `json:"attachments,omitempty"`
	}

	// Attachment carries a nested payload, base64 or inline JSON.
	Attachment struct {
		ID        string         `json:"id,omitempty"`
		MediaType string         `json:"media_type,omitempty"`
		Data      AttachmentData `json:"data"`
	}

	AttachmentData struct {
		Base64 string          `json:"base64,omitempty"`
		JSON   json.RawMessage `json:"json,omitempty"`
	}
)

// New returns a message of the given type with a fresh id.
func New(typ string) *Message {
	return &Message{ID: uuid.NewString(), Type: typ}
}

// Reply returns a message of the given type threaded to m.
func (m *Message) Reply(typ string) *Message {
	r := New(typ)
	r.ThreadID = m.ID
	if m.ThreadID != "" {
		r.ThreadID = m.ThreadID
	}
	return r
}

// Recipient returns the first recipient of the message, or an error when
// there is none.
func (m *Message) Recipient() (string, error) {
	if len(m.To) == 0 {
		return "", fmt.Errorf("message %s has no recipient", m.ID)
	}
	return m.To[0], nil
}

// Bytes returns the attachment payload, decoding base64 when present.
func (a *Attachment) Bytes() ([]byte, error) {
	if a.Data.Base64 != "" {
		return base64.RawURLEncoding.DecodeString(a.Data.Base64)
	}
	if len(a.Data.JSON) > 0 {
		return a.Data.JSON, nil
	}
	return nil, fmt.Errorf("attachment %s has no data", a.ID)
}
