// The mediator binary serves the full HTTP/WebSocket surface and runs the
// background processors in-process. Exit codes: 0 clean shutdown, 2 config
// error, 64 store schema mismatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/config"
	"didcomm_mediator/internal/delivery"
	"didcomm_mediator/internal/didcomm/minipack"
	"didcomm_mediator/internal/ingest"
	"didcomm_mediator/internal/processor"
	"didcomm_mediator/internal/protocol"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/service/auth"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/service/server"
	"didcomm_mediator/internal/utils/hash"
	"didcomm_mediator/internal/utils/log"
)

const (
	exitConfig = 2
	exitSchema = 64
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the mediator configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	if err := log.Init(cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, redis.ErrSchemaTooNew) {
			log.Error("store schema mismatch", zap.Error(err))
			os.Exit(exitSchema)
		}
		log.Error("mediator failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := redis.New(ctx, redis.Options{URL: cfg.Store.URL, PoolSize: cfg.Store.PoolSize})
	if err != nil {
		return err
	}
	defer store.Close()

	res := resolver.NewCached(resolver.NewLocal(nil),
		cfg.Resolver.CacheSize, time.Duration(cfg.Resolver.CacheTTLS)*time.Second)

	signKey, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	engine := acl.NewEngine(store, cfg.DefaultACL(), cfg.Limits.HardReceiveLimit, cfg.Limits.HardSendLimit)
	authn := auth.New(store, res, engine, signKey, auth.Options{
		ChallengeTTL: cfg.ChallengeTTL(),
		AccessTTL:    cfg.AccessTTL(),
		RefreshTTL:   cfg.RefreshTTL(),
	})

	packer := minipack.New(res, packerSecrets(cfg))
	pipeline := ingest.New(packer, store, engine, ingest.Config{
		SelfHashes:      cfg.SelfHashes(),
		MaxMessageBytes: cfg.Limits.MaxMessageBytes,
		DefaultExpiry:   cfg.DefaultExpiry(),
		MaxExpiry:       cfg.MaxExpiry(),
	})

	dispatcher := protocol.NewDispatcher(packer, pipeline, cfg.Mediator.DID)
	deliveryEngine := delivery.NewEngine(store, cfg.Limits.DeliverBatch)
	protocol.RegisterPickup(dispatcher, deliveryEngine)
	protocol.RegisterTrustPing(dispatcher)
	protocol.RegisterAdmin(dispatcher, store, engine, cfg.RootAdminHash(), hash.DID(cfg.Mediator.DID))
	oob := protocol.NewOOB(store, cfg.Mediator.DID, cfg.OOBInviteTTL())

	if rootHash := cfg.RootAdminHash(); rootHash != "" {
		if err := store.AddAdmin(ctx, rootHash); err != nil {
			return err
		}
	}

	sweeper := processor.NewSweeper(store, time.Duration(cfg.Processors.ExpiryIntervalS)*time.Second)
	forwarder := processor.NewForwarder(store, res, packer, processor.ForwarderConfig{
		SelfDID:      cfg.Mediator.DID,
		Interval:     time.Duration(cfg.Processors.ForwardIntervalS) * time.Second,
		Batch:        cfg.Processors.ForwardBatch,
		Timeout:      time.Duration(cfg.Processors.HTTPTimeoutS) * time.Second,
		MaxRetryTime: time.Duration(cfg.Processors.ForwardRetryMaxS) * time.Second,
	})
	stats := processor.NewStatistics(store,
		time.Duration(cfg.Logging.StatisticsIntervalS)*time.Second, cfg.Logging.StatisticsAttributes)

	go sweeper.Run(ctx)
	go forwarder.Run(ctx)
	go stats.Run(ctx)

	return server.New(cfg, authn, dispatcher, deliveryEngine, oob, store, res).Run(ctx)
}

// packerSecrets maps every self DID onto the configured agreement key so the
// built-in codec can decrypt envelopes addressed to any alias.
func packerSecrets(cfg *config.Config) map[string][]byte {
	secret, _ := cfg.AgreementSecret()
	if secret == nil {
		return nil
	}
	secrets := map[string][]byte{cfg.Mediator.DID: secret}
	for _, alias := range cfg.Mediator.Aliases {
		secrets[alias] = secret
	}
	return secrets
}
