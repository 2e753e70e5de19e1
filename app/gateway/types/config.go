package types

import (
	"fmt"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/dispatch"
	"github.com/canopy-network/gatewayx/pkg/gateway/telemetry"
	"github.com/canopy-network/gatewayx/pkg/gateway/transport"
	gwtypes "github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/utils"
)

// Config of the gateway service, read from the environment.
type Config struct {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	Addr         string
	TopologyFile string
	// PayerKey is the hex secp256k1 key receipts are signed with. Empty generates an
	// ephemeral key.
	PayerKey string

	DefaultBudget gwtypes.Fee
	DefaultFee    gwtypes.Fee
	Dispatch      dispatch.Config

	ReceiptTTL     time.Duration
	StatsHalfLife  time.Duration
	StatsRetention time.Duration
	Exploration    float64

	PricingWorkers int
	QuoteCacheSize int

	// MaintenanceCron uses the seconds field.
	MaintenanceCron string

	JWTSecret    string
	AuthDisabled bool

	RedisEnabled      bool
	ClickHouseEnabled bool
	ClickHouseTTLDays int

	Telemetry telemetry.Config
	Transport transport.Config
}

// ConfigFromEnv reads the gateway settings. Unset variables fall back to defaults.
func ConfigFromEnv() (Config, error) {
	charge, err := dispatch.ParseChargePolicy(utils.Env("GATEWAY_CHARGE_POLICY", "attempt"))
	if err != nil {
		return Config{}, err
	}

	dispatchDef := dispatch.DefaultConfig()
	telemetryDef := telemetry.DefaultConfig()
	transportDef := transport.DefaultConfig()

	cfg := Config{
		Addr:          utils.Env("ADDR", ":3000"),
		TopologyFile:  utils.Env("GATEWAY_TOPOLOGY_FILE", "topology.yaml"),
		PayerKey:      utils.Env("GATEWAY_PAYER_KEY", ""),
		DefaultBudget: gwtypes.Fee(utils.EnvUint64("GATEWAY_DEFAULT_BUDGET", 1_000_000)),
		DefaultFee:    gwtypes.Fee(utils.EnvUint64("GATEWAY_DEFAULT_FEE", 10)),
		Dispatch: dispatch.Config{
			MaxAttempts:    utils.EnvInt("GATEWAY_MAX_ATTEMPTS", dispatchDef.MaxAttempts),
			AttemptTimeout: utils.EnvDuration("GATEWAY_ATTEMPT_TIMEOUT", dispatchDef.AttemptTimeout),
			Deadline:       utils.EnvDuration("GATEWAY_QUERY_DEADLINE", dispatchDef.Deadline),
			Charge:         charge,
		},
		ReceiptTTL:        utils.EnvDuration("GATEWAY_RECEIPT_TTL", 5*time.Minute),
		StatsHalfLife:     utils.EnvDuration("GATEWAY_STATS_HALF_LIFE", 10*time.Minute),
		StatsRetention:    utils.EnvDuration("GATEWAY_STATS_RETENTION", 24*time.Hour),
		Exploration:       utils.EnvFloat("GATEWAY_EXPLORATION", 0.1),
		PricingWorkers:    utils.EnvInt("GATEWAY_PRICING_WORKERS", 64),
		QuoteCacheSize:    utils.EnvInt("GATEWAY_QUOTE_CACHE_SIZE", 4096),
		MaintenanceCron:   utils.Env("GATEWAY_MAINTENANCE_CRON", "*/30 * * * * *"),
		JWTSecret:         utils.Env("GATEWAY_JWT_SECRET", ""),
		AuthDisabled:      utils.EnvBool("GATEWAY_AUTH_DISABLED", false),
		RedisEnabled:      utils.EnvBool("REDIS_ENABLED", false),
		ClickHouseEnabled: utils.EnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseTTLDays: utils.EnvInt("CLICKHOUSE_TTL_DAYS", 30),
		Telemetry: telemetry.Config{
			Buffer:        utils.EnvInt("TELEMETRY_BUFFER", telemetryDef.Buffer),
			Batch:         utils.EnvInt("TELEMETRY_BATCH", telemetryDef.Batch),
			FlushInterval: utils.EnvDuration("TELEMETRY_FLUSH_INTERVAL", telemetryDef.FlushInterval),
			Retry:         telemetryDef.Retry,
		},
		Transport: transport.Config{
			RPS:          utils.EnvFloat("INDEXER_RPS", transportDef.RPS),
			Burst:        utils.EnvInt("INDEXER_BURST", transportDef.Burst),
			MaxBodyBytes: utils.EnvInt64("INDEXER_MAX_BODY_BYTES", transportDef.MaxBodyBytes),
			UserAgent:    transportDef.UserAgent,
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.AttemptTimeout <= 0 || c.Dispatch.Deadline <= 0 {
		return fmt.Errorf("attempt timeout and query deadline must be positive")
	}
	if c.Dispatch.AttemptTimeout >= c.Dispatch.Deadline {
		return fmt.Errorf("GATEWAY_ATTEMPT_TIMEOUT (%s) must be below GATEWAY_QUERY_DEADLINE (%s)",
			c.Dispatch.AttemptTimeout, c.Dispatch.Deadline)
	}
	if c.Exploration < 0 || c.Exploration > 1 {
		return fmt.Errorf("GATEWAY_EXPLORATION must be within [0, 1], got %g", c.Exploration)
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("GATEWAY_JWT_SECRET is required unless GATEWAY_AUTH_DISABLED=true")
	}
	return nil
}
