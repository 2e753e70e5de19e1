package controller

import (
	"net/http"

	apitypes "github.com/canopy-network/gatewayx/app/gateway/controller/types"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := apitypes.Health{
		Status:      "ok",
		Deployments: len(c.App.Topology.Deployments()),
		Components:  map[string]string{},
	}
	if c.App.Telemetry != nil {
		health.Telemetry = c.App.Telemetry.Counters()
	}

	// telemetry backends are optional, their failure degrades but does not fail the gateway
	if c.App.RedisClient != nil {
		health.Components["redis"] = "ok"
		if err := c.App.RedisClient.Health(ctx); err != nil {
			health.Components["redis"] = "errored"
			health.Status = "degraded"
		}
	}
	if c.App.ClickHouse != nil {
		health.Components["clickhouse"] = "ok"
		if err := c.App.ClickHouse.Ping(ctx); err != nil {
			health.Components["clickhouse"] = "errored"
			health.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, health)
}
