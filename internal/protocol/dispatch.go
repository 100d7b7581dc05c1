// Package protocol maps DIDComm message types onto the mediator's engines.
// Messages addressed to the mediator itself with a registered type are
// handled here; everything else is routed through the ingestion pipeline for
// storage or forwarding.
package protocol

import (
	"context"

	"go.uber.org/zap"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/ingest"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

const NotSupportedCode = "e.p.msg.not-supported"

type (
	// HandlerFunc processes one protocol message on behalf of a session and
	// returns the reply, or nil when the protocol has none.
	HandlerFunc func(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error)

	// Dispatcher owns the type table and the pack/unpack boundary for
	// protocol traffic.
	Dispatcher struct {
		packer   didcomm.Packer
		pipeline *ingest.Pipeline
		selfDID  string
		handlers map[string]HandlerFunc
	}
)

func NewDispatcher(packer didcomm.Packer, pipeline *ingest.Pipeline, selfDID string) *Dispatcher {
	return &Dispatcher{
		packer:   packer,
		pipeline: pipeline,
		selfDID:  selfDID,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a message type URI to its handler. Later registrations win,
// which the tests use to stub individual protocols.
func (d *Dispatcher) Register(typ string, h HandlerFunc) {
	d.handlers[typ] = h
}

// Handle processes one inbound envelope from an authenticated session and
// returns the packed reply, or nil when there is none. Handler errors never
// escape as errors: they become problem reports so the client always gets a
// DIDComm answer on a DIDComm question.
func (d *Dispatcher) Handle(ctx context.Context, sess *model.Session, payload []byte) ([]byte, error) {
	res, err := d.packer.Unpack(ctx, payload)
	if err != nil {
		return nil, model.Errorf(model.KindMalformed, "unpack: %w", err)
	}
	msg := res.Message

	handler, ok := d.handlers[msg.Type]
	if !ok || msg.IsForward() || !d.addressedToSelf(msg) {
		return d.route(ctx, sess, payload, msg)
	}

	reply, err := handler(ctx, sess, msg)
	if err != nil {
		log.Debug("protocol handler rejected message",
			zap.String("type", msg.Type), zap.String("session", sess.ID), zap.Error(err))
		reply = didcomm.ProblemReportFor(msg, err)
	}
	if reply == nil {
		return nil, nil
	}
	return d.packReply(ctx, sess, reply)
}

// route hands non-protocol traffic to the ingestion pipeline. Unknown types
// addressed to the mediator itself are answered with a problem report rather
// than queued against the mediator's own DID.
func (d *Dispatcher) route(ctx context.Context, sess *model.Session, payload []byte, msg *didcomm.Message) ([]byte, error) {
	if d.addressedToSelf(msg) && !msg.IsForward() {
		report := didcomm.NewProblemReport(msg, NotSupportedCode,
			"message type "+msg.Type+" is not supported", []string{msg.Type})
		return d.packReply(ctx, sess, report)
	}

	if _, err := d.pipeline.Ingest(ctx, payload, sess); err != nil {
		report := didcomm.ProblemReportFor(msg, err)
		return d.packReply(ctx, sess, report)
	}
	return nil, nil
}

func (d *Dispatcher) packReply(ctx context.Context, sess *model.Session, reply *didcomm.Message) ([]byte, error) {
	reply.From = d.selfDID
	reply.To = []string{sess.DID}
	packed, err := d.packer.Pack(ctx, reply, d.selfDID, sess.DID)
	if err != nil {
		return nil, model.Errorf(model.KindInternal, "pack reply: %w", err)
	}
	return packed, nil
}

func (d *Dispatcher) addressedToSelf(msg *didcomm.Message) bool {
	if len(msg.To) == 0 {
		return true
	}
	for _, to := range msg.To {
		if to == d.selfDID {
			return true
		}
	}
	return false
}
