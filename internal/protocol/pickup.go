package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"didcomm_mediator/internal/delivery"
	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/hash"
)

// Message-Pickup 3.0 type URIs.
const (
	StatusRequestType      = "https://didcomm.org/messagepickup/3.0/status-request"
	StatusType             = "https://didcomm.org/messagepickup/3.0/status"
	DeliveryRequestType    = "https://didcomm.org/messagepickup/3.0/delivery-request"
	DeliveryType           = "https://didcomm.org/messagepickup/3.0/delivery"
	MessagesReceivedType   = "https://didcomm.org/messagepickup/3.0/messages-received"
	LiveDeliveryChangeType = "https://didcomm.org/messagepickup/3.0/live-delivery-change"
)

type (
	statusRequestBody struct {
		RecipientDID string `json:"recipient_did,omitempty"`
	}

	statusBody struct {
		RecipientDID   string `json:"recipient_did,omitempty"`
		MessageCount   int64  `json:"message_count"`
		TotalBytes     int64  `json:"total_bytes,omitempty"`
		OldestReceived int64  `json:"oldest_received_time,omitempty"`
		NewestReceived int64  `json:"newest_received_time,omitempty"`
		LiveDelivery   bool   `json:"live_delivery"`
	}

	deliveryRequestBody struct {
		Limit        int    `json:"limit"`
		RecipientDID string `json:"recipient_did,omitempty"`
		Cursor       string `json:"cursor,omitempty"`
	}

	messagesReceivedBody struct {
		MessageIDList []string `json:"message_id_list"`
	}

	liveDeliveryChangeBody struct {
		LiveDelivery bool `json:"live_delivery"`
	}
)

// RegisterPickup wires the message-pickup handlers onto the dispatcher.
func RegisterPickup(d *Dispatcher, engine *delivery.Engine) {
	d.Register(StatusRequestType, statusRequest(engine))
	d.Register(DeliveryRequestType, deliveryRequest(engine))
	d.Register(MessagesReceivedType, messagesReceived(engine))
	d.Register(LiveDeliveryChangeType, liveDeliveryChange(engine))
}

func statusRequest(engine *delivery.Engine) HandlerFunc {
	return func(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
		var body statusRequestBody
		if len(msg.Body) > 0 {
			if err := json.Unmarshal(msg.Body, &body); err != nil {
				return nil, model.NewError(model.KindMalformed, "malformed status-request body")
			}
		}

		reply, err := engine.Status(ctx, sess, recipientHash(body.RecipientDID))
		if err != nil {
			return nil, err
		}
		return statusMessage(msg, body.RecipientDID, reply), nil
	}
}

func deliveryRequest(engine *delivery.Engine) HandlerFunc {
	return func(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
		var body deliveryRequestBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, model.NewError(model.KindMalformed, "malformed delivery-request body")
		}

		stored, err := engine.Deliver(ctx, sess, recipientHash(body.RecipientDID), body.Cursor, body.Limit)
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 {
			// Nothing waiting: answer with a status so the client learns the
			// queue is empty instead of an empty delivery.
			reply, err := engine.Status(ctx, sess, recipientHash(body.RecipientDID))
			if err != nil {
				return nil, err
			}
			return statusMessage(msg, body.RecipientDID, reply), nil
		}

		out := msg.Reply(DeliveryType)
		out.Body = json.RawMessage(`{}`)
		for _, m := range stored {
			out.Attachments = append(out.Attachments, didcomm.Attachment{
				ID:        m.StreamID,
				MediaType: "application/didcomm-encrypted+json",
				Data:      didcomm.AttachmentData{Base64: base64.RawURLEncoding.EncodeToString(m.Envelope)},
			})
		}
		return out, nil
	}
}

func messagesReceived(engine *delivery.Engine) HandlerFunc {
	return func(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
		var body messagesReceivedBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, model.NewError(model.KindMalformed, "malformed messages-received body")
		}

		if _, err := engine.Acknowledge(ctx, sess, "", body.MessageIDList); err != nil {
			return nil, err
		}
		reply, err := engine.Status(ctx, sess, "")
		if err != nil {
			return nil, err
		}
		return statusMessage(msg, "", reply), nil
	}
}

func liveDeliveryChange(engine *delivery.Engine) HandlerFunc {
	return func(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
		var body liveDeliveryChangeBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, model.NewError(model.KindMalformed, "malformed live-delivery-change body")
		}

		if err := engine.SetLiveDelivery(ctx, sess, body.LiveDelivery); err != nil {
			return nil, err
		}
		reply, err := engine.Status(ctx, sess, "")
		if err != nil {
			return nil, err
		}
		return statusMessage(msg, "", reply), nil
	}
}

func statusMessage(parent *didcomm.Message, recipientDID string, reply *model.StatusReply) *didcomm.Message {
	out := parent.Reply(StatusType)
	body, _ := json.Marshal(statusBody{
		RecipientDID:   recipientDID,
		MessageCount:   reply.MessageCount,
		TotalBytes:     reply.TotalBytes,
		OldestReceived: reply.OldestReceived,
		NewestReceived: reply.NewestReceived,
		LiveDelivery:   reply.LiveDelivery,
	})
	out.Body = body
	return out
}

func recipientHash(did string) string {
	if did == "" {
		return ""
	}
	return hash.DID(did)
}
