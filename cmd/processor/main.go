// The processor binary runs the expiry sweeper and the remote forwarder
// against a shared store, for deployments that keep background work out of
// the serving binary. Safe to run alongside an in-process mediator: every
// mutation goes through the store's atomic scripts.
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

	"didcomm_mediator/internal/config"
	"didcomm_mediator/internal/didcomm/minipack"
	"didcomm_mediator/internal/processor"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/service/redis"
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
		log.Error("processor failed", zap.Error(err))
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

	secret, _ := cfg.AgreementSecret()
	var secrets map[string][]byte
	if secret != nil {
		secrets = map[string][]byte{cfg.Mediator.DID: secret}
	}
	packer := minipack.New(res, secrets)

	sweeper := processor.NewSweeper(store, time.Duration(cfg.Processors.ExpiryIntervalS)*time.Second)
	forwarder := processor.NewForwarder(store, res, packer, processor.ForwarderConfig{
		SelfDID:      cfg.Mediator.DID,
		Interval:     time.Duration(cfg.Processors.ForwardIntervalS) * time.Second,
		Batch:        cfg.Processors.ForwardBatch,
		Timeout:      time.Duration(cfg.Processors.HTTPTimeoutS) * time.Second,
		MaxRetryTime: time.Duration(cfg.Processors.ForwardRetryMaxS) * time.Second,
	})

	go sweeper.Run(ctx)
	forwarder.Run(ctx)

	log.Info("processor stopped")
	return nil
}
