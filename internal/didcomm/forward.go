package didcomm

import (
	"encoding/json"
	"fmt"
)

// ForwardType is the routing 2.0 forward message type.
const ForwardType = "https://didcomm.org/routing/2.0/forward"

type (
	// ForwardBody names the next hop; the wrapped envelope rides in the
	// first attachment.
	ForwardBody struct {
		Next string `json:"next"`
	}
)

// IsForward reports whether the message is a routing forward.
func (m *Message) IsForward() bool {
	return m.Type == ForwardType
}

// ForwardNext decodes the next hop from a forward body.
func (m *Message) ForwardNext() (string, error) {
	var body ForwardBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return "", fmt.Errorf("decode forward body: %w", err)
	}
	if body.Next == "" {
		return "", fmt.Errorf("forward message %s has empty next", m.ID)
	}
	return body.Next, nil
}

// ForwardPayload returns the wrapped inner envelope bytes.
func (m *Message) ForwardPayload() ([]byte, error) {
	if len(m.Attachments) == 0 {
		return nil, fmt.Errorf("forward message %s has no attachment", m.ID)
	}
	return m.Attachments[0].Bytes()
}

// NewForward wraps an envelope for the given next hop.
func NewForward(next string, envelope []byte) *Message {
	m := New(ForwardType)
	body, _ := json.Marshal(ForwardBody{Next: next})
	m.Body = body
	m.To = []string{next}
	m.Attachments = []Attachment{{
		ID:        m.ID,
		MediaType: "application/didcomm-encrypted+json",
		Data:      AttachmentData{JSON: envelope},
	}}
	return m
}
