package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

// StoreMessage commits an envelope for one recipient. fromHash may be empty
// for anonymous envelopes. Returns the receive queue stream id, which doubles
// as the client-visible cursor.
func (s *Store) StoreMessage(ctx context.Context, msgHash string, envelope []byte, expiresAt int64, toHash, fromHash string) (string, error) {
	var receiveID string

	err := s.withRetry(ctx, func() error {
		res, err := storeMessageScript.Run(ctx, s.rdb,
			[]string{msgHash},
			envelope,
			expiresAt,
			len(envelope),
			toHash,
			fromHash,
			time.Now().UnixMilli(),
		).Result()
		if err != nil {
			return scriptErr(err)
		}

		ids, ok := res.([]interface{})
		if !ok || len(ids) < 1 {
			return model.Errorf(model.KindInternal, "store_message returned %T", res)
		}
		receiveID, _ = ids[0].(string)
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Debug("message stored",
		zap.String("msg_hash", msgHash),
		zap.String("to_hash", toHash),
		zap.String("receive_id", receiveID))
	return receiveID, nil
}

// Envelope returns the raw stored bytes for a message hash, or nil when the
// message is gone.
func (s *Store) Envelope(ctx context.Context, msgHash string) ([]byte, error) {
	var envelope []byte
	err := s.withRetry(ctx, func() error {
		data, err := s.rdb.Get(ctx, "MSG:"+msgHash).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				envelope = nil
				return nil
			}
			return err
		}
		envelope = data
		return nil
	})
	return envelope, err
}

// DeleteMessage removes an envelope on behalf of requesterHash, which must be
// the recipient, the sender, or AdminSentinel.
func (s *Store) DeleteMessage(ctx context.Context, msgHash, requesterHash string) error {
	return s.withRetry(ctx, func() error {
		err := deleteMessageScript.Run(ctx, s.rdb, []string{msgHash}, requesterHash).Err()
		return scriptErr(err)
	})
}

// FetchMessages returns up to limit entries from the recipient's receive
// queue strictly after startID ("-" for the beginning).
func (s *Store) FetchMessages(ctx context.Context, didHash, startID string, limit int) ([]model.StoredMessage, error) {
	if startID == "" {
		startID = "-"
	}

	var out []model.StoredMessage
	err := s.withRetry(ctx, func() error {
		res, err := fetchMessagesScript.Run(ctx, s.rdb, []string{didHash}, startID, limit).Result()
		if err != nil {
			return scriptErr(err)
		}

		rows, ok := res.([]interface{})
		if !ok {
			return model.Errorf(model.KindInternal, "fetch_messages returned %T", res)
		}

		out = out[:0]
		for _, row := range rows {
			msg, err := parseFetchedRow(row)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseFetchedRow(row interface{}) (model.StoredMessage, error) {
	cols, ok := row.([]interface{})
	if !ok || len(cols) != 4 {
		return model.StoredMessage{}, model.Errorf(model.KindInternal, "malformed fetch row %T", row)
	}

	streamID, _ := cols[0].(string)
	msgHash, _ := cols[1].(string)
	envelope, _ := cols[2].(string)

	meta := model.Metadata{Hash: msgHash, ReceiveID: streamID}
	if fields, ok := cols[3].([]interface{}); ok {
		kv := map[string]string{}
		for i := 0; i+1 < len(fields); i += 2 {
			k, _ := fields[i].(string)
			v, _ := fields[i+1].(string)
			kv[k] = v
		}
		meta.Bytes, _ = strconv.ParseInt(kv["BYTES"], 10, 64)
		meta.ToHash = kv["TO"]
		meta.FromHash = kv["FROM"]
		meta.ExpiresAt, _ = strconv.ParseInt(kv["EXPIRES_AT"], 10, 64)
		meta.Timestamp, _ = strconv.ParseInt(kv["TIMESTAMP"], 10, 64)
		if kv["RECEIVE_ID"] != "" {
			meta.ReceiveID = kv["RECEIVE_ID"]
		}
		meta.SendID = kv["SEND_ID"]
	}

	return model.StoredMessage{StreamID: streamID, Envelope: []byte(envelope), Meta: meta}, nil
}

// MessageHashes resolves receive-queue stream ids to message hashes. Ids no
// longer present in the queue are omitted from the result.
func (s *Store) MessageHashes(ctx context.Context, didHash string, streamIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(streamIDs))
	err := s.withRetry(ctx, func() error {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.XMessageSliceCmd, len(streamIDs))
		for i, id := range streamIDs {
			cmds[i] = pipe.XRange(ctx, "RECEIVE_Q:"+didHash, id, id)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			msgs, err := cmd.Result()
			if err != nil || len(msgs) == 0 {
				continue
			}
			if h, ok := msgs[0].Values["msg"].(string); ok {
				out[streamIDs[i]] = h
			}
		}
		return nil
	})
	return out, err
}

// StatusReply summarizes the recipient's receive queue.
func (s *Store) StatusReply(ctx context.Context, didHash string) (*model.StatusReply, error) {
	var reply model.StatusReply

	err := s.withRetry(ctx, func() error {
		res, err := getStatusReplyScript.Run(ctx, s.rdb, []string{didHash}).Result()
		if err != nil {
			return scriptErr(err)
		}

		cols, ok := res.([]interface{})
		if !ok || len(cols) != 6 {
			return model.Errorf(model.KindInternal, "get_status_reply returned %T", res)
		}

		reply = model.StatusReply{
			MessageCount:   toInt64(cols[0]),
			TotalBytes:     toInt64(cols[1]),
			OldestReceived: streamIDMillis(cols[2]),
			NewestReceived: streamIDMillis(cols[3]),
			QueueCount:     toInt64(cols[4]),
			LiveDelivery:   toInt64(cols[5]) == 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

// streamIDMillis extracts the millisecond timestamp from a `<ms>-<seq>`
// stream id.
func streamIDMillis(v interface{}) int64 {
	id, _ := v.(string)
	if id == "" {
		return 0
	}
	var ms int64
	if _, err := fmt.Sscanf(id, "%d-", &ms); err != nil {
		return 0
	}
	return ms
}
