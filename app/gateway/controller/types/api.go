package types

import (
	gwtypes "github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/go-jose/go-jose/v4/json"
)

// Response headers set on served queries.
const (
	HeaderQueryID  = "Gateway-Query-Id"
	HeaderIndexer  = "Gateway-Indexer"
	HeaderFee      = "Gateway-Fee"
	HeaderAttempts = "Gateway-Attempts"
	// HeaderDeployment names the deployment a subgraph query was served from.
	HeaderDeployment = "Gateway-Deployment"
	// HeaderBudget lets the client lower the budget of one query.
	HeaderBudget = "Gateway-Budget"
)

// QueryRequest is the GraphQL request body.
type QueryRequest struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message,omitempty"`
	QueryID string           `json:"query_id,omitempty"`
	Tried   []string         `json:"tried,omitempty"`
	Failed  []AttemptFailure `json:"failures,omitempty"`
}

type AttemptFailure struct {
	Indexer string `json:"indexer"`
	Class   string `json:"class"`
	Message string `json:"message,omitempty"`
}

// IndexerStats is one row of GET /api/deployments/{id}/indexers.
type IndexerStats struct {
	Indexer      string             `json:"indexer"`
	URL          string             `json:"url"`
	Collateral   gwtypes.Fee        `json:"collateral"`
	Outstanding  gwtypes.Fee        `json:"outstanding"`
	Successes    float64            `json:"successes"`
	Failures     map[string]float64 `json:"failures"`
	Reliability  float64            `json:"reliability"`
	LatencyMs    float64            `json:"latency_ms"`
	BlocksBehind int64              `json:"blocks_behind"`
	LastFee      gwtypes.Fee        `json:"last_fee"`
	LastUpdated  int64              `json:"last_updated,omitempty"`
}

type DeploymentIndexers struct {
	Deployment string         `json:"deployment"`
	Indexers   []IndexerStats `json:"indexers"`
}

type Outstanding struct {
	Indexer     string      `json:"indexer"`
	Payer       string      `json:"payer"`
	Outstanding gwtypes.Fee `json:"outstanding"`
	Receipts    int         `json:"receipts"`
	LastNonce   uint64      `json:"last_nonce"`
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string            `json:"status"`
	Deployments int               `json:"deployments"`
	Components  map[string]string `json:"components"`
	Telemetry   interface{}       `json:"telemetry"`
}
