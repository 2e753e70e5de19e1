package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/gatewayx/pkg/db/clickhouse"
	"github.com/canopy-network/gatewayx/pkg/gateway/dispatch"
	"github.com/canopy-network/gatewayx/pkg/gateway/pricing"
	"github.com/canopy-network/gatewayx/pkg/gateway/receipts"
	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/telemetry"
	"github.com/canopy-network/gatewayx/pkg/gateway/topology"
	"github.com/canopy-network/gatewayx/pkg/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	Config Config

	// Topology resolves deployments to candidate indexers.
	Topology *topology.Resolver

	// Shared dispatch state
	Stats      *stats.Store
	Ledger     *receipts.Ledger
	Quotes     *pricing.CachedEvaluator
	Dispatcher *dispatch.Controller

	// PricingPool runs cost evaluations; stopped on Close.
	PricingPool pond.Pool

	Telemetry *telemetry.Emitter

	// Optional telemetry backends
	RedisClient *redis.Client
	ClickHouse  *clickhouse.Client

	// Cron runs maintenance at MaintenanceCron.
	Cron *cron.Cron

	Logger *zap.Logger
	Server *http.Server
}

// Start listens on Config.Addr and serves until ctx is done. See Serve.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and maintenance cron until ctx is done, then shuts them down.
// The telemetry emitter outlives the server: it is stopped only once in-flight queries have
// finished, so their attempt summaries are flushed.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	emitterCtx, stopEmitter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEmitter()
	emitterDone := make(chan error, 1)
	go func() {
		emitterDone <- a.Telemetry.Run(emitterCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Maintenance cron started", zap.String("spec", a.Config.MaintenanceCron))
	}

	g.Go(func() error {
		a.Logger.Info("Starting server", zap.String("addr", ln.Addr().String()))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	stopEmitter()
	if emitErr := <-emitterDone; emitErr != nil && err == nil {
		err = emitErr
	}
	return err
}

// Close releases the connections and pools. Errors are combined.
func (a *App) Close() error {
	var result *multierror.Error
	if a.PricingPool != nil {
		a.PricingPool.StopAndWait()
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.ClickHouse != nil {
		a.Logger.Info("closing clickhouse connection")
		if err := a.ClickHouse.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
