package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"didcomm_mediator/internal/delivery"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/utils/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type (
	// FrameHandler turns one inbound WebSocket frame into at most one reply
	// frame. The protocol dispatcher implements it.
	FrameHandler interface {
		Handle(ctx context.Context, sess *model.Session, payload []byte) ([]byte, error)
	}

	// wsSession is one live pickup connection. The read pump owns the
	// connection's inbound side and the session lifetime; the write pump
	// drains the bounded queue. Both stop when ctx ends, the token expires,
	// or either side of the socket fails.
	wsSession struct {
		conn     *websocket.Conn
		sess     *model.Session
		store    *redis.Store
		handler  FrameHandler
		queue    *delivery.Queue
		maxFrame int64
	}
)

func newWSSession(conn *websocket.Conn, sess *model.Session, store *redis.Store, handler FrameHandler, queueCap int, maxFrame int64) *wsSession {
	return &wsSession{
		conn:     conn,
		sess:     sess,
		store:    store,
		handler:  handler,
		queue:    delivery.NewQueue(queueCap),
		maxFrame: maxFrame,
	}
}

// run blocks until the session ends, then clears every trace of it: the live
// registry entry, the gauge, the queue and the socket.
func (ws *wsSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := ws.store.AddWebSockets(ctx, 1); err != nil {
		log.Warn("websocket gauge increment failed", zap.Error(err))
	}

	pubsub := ws.store.SubscribeLive(ctx, ws.sess.ID)

	done := make(chan struct{}, 3)
	go func() { ws.feedPump(ctx, pubsub); done <- struct{}{} }()
	go func() { ws.writePump(ctx); done <- struct{}{} }()
	go func() { ws.readPump(ctx); done <- struct{}{} }()

	select {
	case <-done:
	case <-ctx.Done():
	case <-ws.expiryTimer():
		log.Debug("closing websocket, access token expired", zap.String("session", ws.sess.ID))
		ws.writeClose(websocket.ClosePolicyViolation, "access token expired")
	}
	cancel()

	pubsub.Close()
	ws.queue.Close()
	ws.conn.Close()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancel()
	if _, err := ws.store.CleanStartStreaming(cleanupCtx, ws.sess.ID); err != nil {
		log.Warn("live registry cleanup failed", zap.String("session", ws.sess.ID), zap.Error(err))
	}
	if err := ws.store.AddWebSockets(cleanupCtx, -1); err != nil {
		log.Warn("websocket gauge decrement failed", zap.Error(err))
	}
	if dropped := ws.queue.Dropped(); dropped > 0 {
		log.Debug("advisory frames dropped under pressure",
			zap.String("session", ws.sess.ID), zap.Int64("count", dropped))
	}
}

// readPump consumes client frames. Text and binary carry the same payloads.
func (ws *wsSession) readPump(ctx context.Context) {
	if ws.maxFrame > 0 {
		ws.conn.SetReadLimit(ws.maxFrame)
	}
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.String("session", ws.sess.ID), zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		reply, err := ws.handler.Handle(ctx, ws.sess, payload)
		if err != nil {
			log.Debug("websocket frame rejected", zap.String("session", ws.sess.ID), zap.Error(err))
			continue
		}
		if reply == nil {
			continue
		}
		// Protocol replies are advisory: the client can always re-request,
		// stored envelopes stay until acknowledged.
		if err := ws.queue.Push(ctx, delivery.Frame{Payload: reply, Droppable: true}); err != nil {
			return
		}
	}
}

// feedPump bridges the session's broadcast channel into the outbound queue.
// Live envelopes are never dropped here; if the queue is full the pump blocks
// and the broker buffers.
func (ws *wsSession) feedPump(ctx context.Context, pubsub *goredis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if err := ws.queue.Push(ctx, delivery.Frame{Payload: []byte(m.Payload)}); err != nil {
				return
			}
		}
	}
}

func (ws *wsSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, pingPeriod)
		frame, err := ws.queue.Pop(popCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, delivery.ErrQueueClosed) {
				return
			}
			continue
		}

		ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
			return
		}
	}
}

// expiryTimer fires when the session's access token expires. Sessions without
// an expiry never fire.
func (ws *wsSession) expiryTimer() <-chan time.Time {
	if ws.sess.ExpiresAt == 0 {
		return nil
	}
	until := time.Until(time.Unix(ws.sess.ExpiresAt, 0))
	if until < 0 {
		until = 0
	}
	return time.After(until)
}

func (ws *wsSession) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	ws.conn.WriteMessage(websocket.CloseMessage, msg)
}
