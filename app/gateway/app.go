package gateway

import (
	"context"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/gatewayx/app/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/db/clickhouse"
	"github.com/canopy-network/gatewayx/pkg/gateway/dispatch"
	"github.com/canopy-network/gatewayx/pkg/gateway/pricing"
	"github.com/canopy-network/gatewayx/pkg/gateway/receipts"
	"github.com/canopy-network/gatewayx/pkg/gateway/selection"
	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/telemetry"
	"github.com/canopy-network/gatewayx/pkg/gateway/topology"
	"github.com/canopy-network/gatewayx/pkg/gateway/transport"
	"github.com/canopy-network/gatewayx/pkg/logging"
	"github.com/canopy-network/gatewayx/pkg/redis"
	"go.uber.org/zap"
)

// Initialize builds the gateway from the environment.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := types.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	resolver, err := topology.Load(cfg.TopologyFile, logger)
	if err != nil {
		return nil, err
	}

	return Build(ctx, cfg, resolver, logger)
}

// Build wires the gateway components. Redis and ClickHouse are optional: a failed connection
// disables that telemetry sink instead of failing startup.
func Build(ctx context.Context, cfg types.Config, resolver *topology.Resolver, logger *zap.Logger) (*types.App, error) {
	signer, err := newSigner(cfg.PayerKey, logger)
	if err != nil {
		return nil, err
	}

	app := &types.App{
		Config:   cfg,
		Topology: resolver,
		Logger:   logger,
	}

	sinks := []telemetry.Sink{telemetry.LogSink{Logger: logger.Named("attempts")}}

	if cfg.RedisEnabled {
		app.RedisClient, err = redis.NewClient(ctx, redis.ConfigFromEnv(), logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - live attempt feed disabled", zap.Error(err))
			app.RedisClient = nil
		} else {
			sinks = append(sinks, telemetry.RedisSink{Client: app.RedisClient})
		}
	} else {
		logger.Info("Redis disabled - live attempt feed will not be available")
	}

	if cfg.ClickHouseEnabled {
		app.ClickHouse, err = clickhouse.New(ctx, clickhouse.ConfigFromEnv(), logger)
		if err == nil {
			err = app.ClickHouse.InitAttempts(ctx, cfg.ClickHouseTTLDays)
		}
		if err != nil {
			logger.Warn("Failed to initialize ClickHouse - attempt history disabled", zap.Error(err))
			if app.ClickHouse != nil {
				_ = app.ClickHouse.Close()
			}
			app.ClickHouse = nil
		} else {
			sinks = append(sinks, telemetry.ClickHouseSink{Store: app.ClickHouse})
		}
	}

	app.Telemetry = telemetry.NewEmitter(cfg.Telemetry, logger, sinks...)

	statsCfg := stats.DefaultConfig()
	statsCfg.HalfLife = cfg.StatsHalfLife
	app.Stats = stats.New(statsCfg, logger)

	app.Ledger = receipts.NewLedger(receipts.Config{TTL: cfg.ReceiptTTL}, signer, logger)

	app.Quotes, err = pricing.NewCachedEvaluator(pricing.StaticEvaluator{Default: cfg.DefaultFee}, cfg.QuoteCacheSize)
	if err != nil {
		return nil, err
	}
	app.PricingPool = pond.NewPool(max(cfg.PricingWorkers, 1))

	policyCfg := selection.DefaultConfig()
	policyCfg.ExplorationRate = cfg.Exploration

	app.Dispatcher = dispatch.New(cfg.Dispatch, dispatch.Deps{
		Stats:     app.Stats,
		Pricing:   pricing.NewFilter(app.Quotes, app.PricingPool, logger),
		Policy:    selection.NewPolicy(policyCfg),
		Ledger:    app.Ledger,
		Sender:    transport.New(cfg.Transport, nil, logger),
		Telemetry: app.Telemetry,
	}, logger)

	if err := app.SetupScheduler(); err != nil {
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}

	logger.Info("Gateway initialized",
		zap.Stringer("payer", app.Ledger.Payer()),
		zap.Stringer("charge_policy", cfg.Dispatch.Charge),
		zap.Int("deployments", len(resolver.Deployments())))
	return app, nil
}

func newSigner(key string, logger *zap.Logger) (*receipts.Signer, error) {
	if key != "" {
		signer, err := receipts.NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("GATEWAY_PAYER_KEY: %w", err)
		}
		return signer, nil
	}
	logger.Warn("GATEWAY_PAYER_KEY not set, signing receipts with an ephemeral key")
	return receipts.GenerateSigner()
}
