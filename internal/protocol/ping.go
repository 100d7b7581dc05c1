package protocol

import (
	"context"
	"encoding/json"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
)

const (
	PingType         = "https://didcomm.org/trust-ping/2.0/ping"
	PingResponseType = "https://didcomm.org/trust-ping/2.0/ping-response"
)

type pingBody struct {
	ResponseRequested *bool `json:"response_requested,omitempty"`
}

// RegisterTrustPing wires the trust-ping 2.0 handler.
func RegisterTrustPing(d *Dispatcher) {
	d.Register(PingType, handlePing)
}

func handlePing(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
	var body pingBody
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, model.NewError(model.KindMalformed, "malformed ping body")
		}
	}
	// response_requested defaults to true.
	if body.ResponseRequested != nil && !*body.ResponseRequested {
		return nil, nil
	}

	reply := msg.Reply(PingResponseType)
	reply.Body = json.RawMessage(`{}`)
	return reply, nil
}
