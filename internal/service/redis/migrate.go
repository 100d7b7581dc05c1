package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"didcomm_mediator/internal/utils/log"
)

// SchemaVersion is the store layout this binary writes. Older data is
// migrated at startup; newer data makes the binary refuse to start.
const SchemaVersion = 1

// ErrSchemaTooNew signals that the store was written by a newer binary.
// Callers exit with code 64.
var ErrSchemaTooNew = errors.New("store schema is newer than this binary")

type migration struct {
	to    int
	apply func(ctx context.Context, rdb *redis.Client) error
}

// Migration steps, in order. Each brings the schema from to-1 to to.
var migrations = []migration{}

// Migrate reads the schema version and brings the store up to date.
func (s *Store) Migrate(ctx context.Context) error {
	raw, err := s.rdb.HGet(ctx, "GLOBAL", "SCHEMA_VERSION").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	version := 0
	if raw != "" {
		version, err = strconv.Atoi(raw)
		if err != nil {
			return err
		}
	}

	if version > SchemaVersion {
		log.Error("store schema too new",
			zap.Int("store_version", version), zap.Int("binary_version", SchemaVersion))
		return ErrSchemaTooNew
	}

	for _, m := range migrations {
		if m.to <= version {
			continue
		}
		log.Info("running store migration", zap.Int("to", m.to))
		if err := m.apply(ctx, s.rdb); err != nil {
			return err
		}
	}

	return s.rdb.HSet(ctx, "GLOBAL", "SCHEMA_VERSION", SchemaVersion).Err()
}
