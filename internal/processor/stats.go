package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

type (
	// StatsStore reads the global counter snapshot.
	StatsStore interface {
		GlobalStats(ctx context.Context) (*model.GlobalStats, error)
	}

	// Statistics periodically logs the mediator-wide counters and their delta
	// since the previous tick. Attributes filters which fields are emitted;
	// empty means all.
	Statistics struct {
		store      StatsStore
		interval   time.Duration
		attributes map[string]bool
		last       *model.GlobalStats
	}
)

func NewStatistics(store StatsStore, interval time.Duration, attributes []string) *Statistics {
	if interval <= 0 {
		interval = time.Minute
	}
	filter := make(map[string]bool, len(attributes))
	for _, a := range attributes {
		filter[a] = true
	}
	return &Statistics{store: store, interval: interval, attributes: filter}
}

func (st *Statistics) Run(ctx context.Context) {
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.tick(ctx)
		}
	}
}

func (st *Statistics) tick(ctx context.Context) {
	stats, err := st.store.GlobalStats(ctx)
	if err != nil {
		log.Warn("statistics read failed", zap.Error(err))
		return
	}

	prev := st.last
	if prev == nil {
		prev = &model.GlobalStats{}
	}
	st.last = stats

	fields := make([]zap.Field, 0, 10)
	add := func(name string, value, delta int64) {
		if len(st.attributes) > 0 && !st.attributes[name] {
			return
		}
		fields = append(fields, zap.Int64(name, value), zap.Int64(name+"_delta", delta))
	}
	add("received_bytes", stats.ReceivedBytes, stats.ReceivedBytes-prev.ReceivedBytes)
	add("received_count", stats.ReceivedCount, stats.ReceivedCount-prev.ReceivedCount)
	add("deleted_bytes", stats.DeletedBytes, stats.DeletedBytes-prev.DeletedBytes)
	add("deleted_count", stats.DeletedCount, stats.DeletedCount-prev.DeletedCount)
	add("sessions", stats.Sessions, stats.Sessions-prev.Sessions)
	if len(st.attributes) == 0 || st.attributes["websockets"] {
		fields = append(fields, zap.Int64("websockets", stats.WebSockets))
	}

	log.Info("mediator statistics", fields...)
}
