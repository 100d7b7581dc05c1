package processor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/utils/hash"
	"didcomm_mediator/internal/utils/log"
)

const envelopeMediaType = "application/didcomm-encrypted+json"

type (
	// ForwarderStore is the slice of the store the forwarder consumes and
	// writes through.
	ForwarderStore interface {
		PendingForwards(ctx context.Context, startID string, limit int) ([]redis.ForwardEntry, error)
		AckForward(ctx context.Context, streamID string) error
		Envelope(ctx context.Context, msgHash string) ([]byte, error)
		DeleteMessage(ctx context.Context, msgHash, requesterHash string) error
		StoreMessage(ctx context.Context, msgHash string, envelope []byte, expiresAt int64, toHash, fromHash string) (string, error)
		Account(ctx context.Context, didHash string) (*model.Account, error)
	}

	// ForwarderConfig bounds the dispatch loop.
	ForwarderConfig struct {
		SelfDID       string
		Interval      time.Duration // queue poll cadence
		Batch         int
		Timeout       time.Duration // per outbound HTTP call
		MaxRetryTime  time.Duration // total retry budget per entry
		ReportExpiry  time.Duration // lifetime of failure problem reports
	}

	// Forwarder dispatches queued envelopes to remote mediators.
	Forwarder struct {
		store    ForwarderStore
		resolver resolver.Resolver
		packer   didcomm.Packer
		client   *http.Client
		cfg      ForwarderConfig

		mu       sync.Mutex
		attempts map[string]*attempt // keyed by forward queue stream id
	}

	attempt struct {
		bo   backoff.BackOff
		next time.Time
	}
)

func NewForwarder(store ForwarderStore, res resolver.Resolver, packer didcomm.Packer, cfg ForwarderConfig) *Forwarder {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = time.Hour
	}
	if cfg.ReportExpiry <= 0 {
		cfg.ReportExpiry = 24 * time.Hour
	}
	return &Forwarder{
		store:    store,
		resolver: res,
		packer:   packer,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		attempts: make(map[string]*attempt),
	}
}

// Run polls the forward queue until ctx ends.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Drain(ctx); err != nil {
				log.Warn("forward queue drain failed", zap.Error(err))
			}
		}
	}
}

// Drain runs one pass over the queue, dispatching every entry whose backoff
// window has elapsed.
func (f *Forwarder) Drain(ctx context.Context) error {
	entries, err := f.store.PendingForwards(ctx, "", f.cfg.Batch)
	if err != nil {
		return err
	}
	now := time.Now()

	for _, entry := range entries {
		if !f.due(entry.StreamID, now) {
			continue
		}
		f.dispatch(ctx, entry)
	}
	return nil
}

// dispatch attempts delivery of one entry and settles its fate: done,
// retry later, or permanent failure.
func (f *Forwarder) dispatch(ctx context.Context, entry redis.ForwardEntry) {
	envelope, err := f.store.Envelope(ctx, entry.MsgHash)
	if err != nil {
		f.retry(entry, err)
		return
	}
	if envelope == nil {
		// Expired or deleted underneath us; nothing left to forward.
		f.settle(ctx, entry)
		return
	}

	endpoint, packed, err := f.prepare(ctx, entry.NextDID, envelope)
	if err != nil {
		f.permanent(ctx, entry, err)
		return
	}

	if err := f.post(ctx, endpoint, packed); err != nil {
		if retryable(err) {
			f.retry(entry, err)
		} else {
			f.permanent(ctx, entry, err)
		}
		return
	}

	if err := f.store.DeleteMessage(ctx, entry.MsgHash, redis.AdminSentinel); err != nil &&
		model.KindOf(err) != model.KindNotFound {
		log.Warn("forwarded envelope cleanup failed",
			zap.String("msg_hash", entry.MsgHash), zap.Error(err))
	}
	f.settle(ctx, entry)
	log.Info("envelope forwarded",
		zap.String("next", entry.NextDID), zap.String("msg_hash", entry.MsgHash))
}

// prepare resolves the remote endpoint and wraps the stored payload in a
// fresh forward envelope. Both failure modes are permanent.
func (f *Forwarder) prepare(ctx context.Context, nextDID string, envelope []byte) (string, []byte, error) {
	doc, err := f.resolver.Resolve(ctx, nextDID)
	if err != nil {
		return "", nil, err
	}
	endpoint, err := doc.Endpoint()
	if err != nil {
		return "", nil, err
	}

	fwd := didcomm.NewForward(nextDID, envelope)
	packed, err := f.packer.Pack(ctx, fwd, "", nextDID)
	if err != nil {
		return "", nil, model.Errorf(model.KindInternal, "pack forward for %s: %w", nextDID, err)
	}
	return endpoint, packed, nil
}

func (f *Forwarder) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Errorf(model.KindInternal, "build forward request: %w", err)
	}
	req.Header.Set("Content-Type", envelopeMediaType)

	resp, err := f.client.Do(req)
	if err != nil {
		return &transportError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transportError{fmt.Errorf("remote returned %s", resp.Status)}
	default:
		return model.Errorf(model.KindForbidden, "remote rejected forward: %s", resp.Status)
	}
}

// retry schedules the next attempt; when the retry budget is spent the entry
// fails permanently.
func (f *Forwarder) retry(entry redis.ForwardEntry, cause error) {
	f.mu.Lock()
	a, ok := f.attempts[entry.StreamID]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 5 * time.Minute
		bo.RandomizationFactor = 0.2
		bo.MaxElapsedTime = f.cfg.MaxRetryTime
		bo.Reset()
		a = &attempt{bo: bo}
		f.attempts[entry.StreamID] = a
	}
	wait := a.bo.NextBackOff()
	if wait != backoff.Stop {
		a.next = time.Now().Add(wait)
	}
	f.mu.Unlock()

	if wait == backoff.Stop {
		f.permanent(context.Background(), entry, model.Errorf(model.KindInternal,
			"retry budget exhausted: %v", cause))
		return
	}
	log.Debug("forward retry scheduled",
		zap.String("next", entry.NextDID), zap.Duration("wait", wait), zap.Error(cause))
}

// permanent gives up on the entry: the local copy is removed and, when the
// sender is a known local account, a problem report lands in its queue.
func (f *Forwarder) permanent(ctx context.Context, entry redis.ForwardEntry, cause error) {
	log.Warn("forward failed permanently",
		zap.String("next", entry.NextDID), zap.String("msg_hash", entry.MsgHash), zap.Error(cause))

	f.reportToSender(ctx, entry, cause)

	if err := f.store.DeleteMessage(ctx, entry.MsgHash, redis.AdminSentinel); err != nil &&
		model.KindOf(err) != model.KindNotFound {
		log.Warn("failed forward cleanup failed", zap.String("msg_hash", entry.MsgHash), zap.Error(err))
	}
	f.settle(ctx, entry)
}

func (f *Forwarder) reportToSender(ctx context.Context, entry redis.ForwardEntry, cause error) {
	if entry.SenderDID == "" {
		return
	}
	senderHash := hash.DID(entry.SenderDID)
	acct, err := f.store.Account(ctx, senderHash)
	if err != nil || acct == nil {
		return
	}

	report := didcomm.ProblemReportFor(nil, cause)
	report.From = f.cfg.SelfDID
	report.To = []string{entry.SenderDID}
	packed, err := f.packer.Pack(ctx, report, f.cfg.SelfDID, entry.SenderDID)
	if err != nil {
		log.Warn("problem report pack failed", zap.String("sender", senderHash), zap.Error(err))
		return
	}

	expiresAt := time.Now().Add(f.cfg.ReportExpiry).Unix()
	if _, err := f.store.StoreMessage(ctx, hash.Message(packed), packed, expiresAt,
		senderHash, hash.DID(f.cfg.SelfDID)); err != nil {
		log.Warn("problem report store failed", zap.String("sender", senderHash), zap.Error(err))
	}
}

// settle acknowledges the queue entry and forgets its retry state.
func (f *Forwarder) settle(ctx context.Context, entry redis.ForwardEntry) {
	if err := f.store.AckForward(ctx, entry.StreamID); err != nil {
		log.Warn("forward ack failed", zap.String("stream_id", entry.StreamID), zap.Error(err))
	}
	f.mu.Lock()
	delete(f.attempts, entry.StreamID)
	f.mu.Unlock()
}

func (f *Forwarder) due(streamID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[streamID]
	return !ok || !now.Before(a.next)
}

type transportError struct{ err error }

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

func retryable(err error) bool {
	_, ok := err.(*transportError)
	return ok
}
