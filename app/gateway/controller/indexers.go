package controller

import (
	"errors"
	"net/http"
	"time"

	apitypes "github.com/canopy-network/gatewayx/app/gateway/controller/types"
	"github.com/canopy-network/gatewayx/pkg/gateway/selection"
	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/topology"
	gwtypes "github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var failureClasses = []gwtypes.FailureClass{
	gwtypes.FailureTimeout,
	gwtypes.FailureTransport,
	gwtypes.FailureIndexer,
	gwtypes.FailureBadResponse,
}

// HandleIndexers lists the candidates of a deployment with their live statistics.
func (c *Controller) HandleIndexers(w http.ResponseWriter, r *http.Request) {
	deployment := gwtypes.DeploymentID(mux.Vars(r)["id"])
	if !claimsFrom(r.Context()).AllowsDeployment(deployment) {
		writeError(w, http.StatusForbidden, "forbidden", "deployment not authorized")
		return
	}

	candidates, err := c.App.Topology.Resolve(deployment)
	if errors.Is(err, topology.ErrUnknownDeployment) {
		writeError(w, http.StatusNotFound, "unknown_deployment", err.Error())
		return
	}

	ids := make([]gwtypes.IndexerID, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.ID
	}
	snapshots := c.App.Stats.Snapshots(deployment, ids)
	policy := selection.NewPolicy(selection.DefaultConfig())

	out := apitypes.DeploymentIndexers{Deployment: deployment.String(), Indexers: make([]apitypes.IndexerStats, 0, len(candidates))}
	for _, cand := range candidates {
		out.Indexers = append(out.Indexers, indexerStats(cand, snapshots[cand.ID], policy, c.App.Ledger.Outstanding(cand.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

func indexerStats(cand gwtypes.IndexerCandidate, snap stats.Snapshot, policy *selection.Policy, outstanding gwtypes.Fee) apitypes.IndexerStats {
	row := apitypes.IndexerStats{
		Indexer:      cand.ID.Hex(),
		URL:          cand.URL.String(),
		Collateral:   cand.Collateral,
		Outstanding:  outstanding,
		Successes:    snap.Successes,
		Failures:     make(map[string]float64, len(failureClasses)),
		Reliability:  policy.Reliability(snap),
		LatencyMs:    float64(snap.Latency) / float64(time.Millisecond),
		BlocksBehind: cand.BlocksBehind,
		LastFee:      snap.LastFee,
	}
	if snap.Observed() && snap.BlocksBehind >= 0 {
		row.BlocksBehind = snap.BlocksBehind
	}
	for _, class := range failureClasses {
		row.Failures[class.String()] = snap.FailureCount(class)
	}
	if !snap.LastUpdated.IsZero() {
		row.LastUpdated = snap.LastUpdated.Unix()
	}
	return row
}

// HandleOutstanding reports the receipts reserved against an indexer's collateral.
func (c *Controller) HandleOutstanding(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid indexer address")
		return
	}
	view := c.App.Ledger.Account(common.HexToAddress(address))
	writeJSON(w, http.StatusOK, apitypes.Outstanding{
		Indexer:     view.Indexer.Hex(),
		Payer:       c.App.Ledger.Payer().Hex(),
		Outstanding: view.Outstanding,
		Receipts:    view.Receipts,
		LastNonce:   view.LastNonce,
	})
}

// HandleSettle marks a receipt redeemed by the settlement process. Settled receipts stop
// counting against the indexer's collateral and can no longer be voided.
func (c *Controller) HandleSettle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid indexer address")
		return
	}
	id, err := uuid.Parse(vars["receipt"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid receipt id")
		return
	}
	indexer := common.HexToAddress(vars["address"])
	if !c.App.Ledger.Settle(indexer, id) {
		writeError(w, http.StatusNotFound, "unknown_receipt", "receipt is not outstanding")
		return
	}
	view := c.App.Ledger.Account(indexer)
	writeJSON(w, http.StatusOK, apitypes.Outstanding{
		Indexer:     view.Indexer.Hex(),
		Payer:       c.App.Ledger.Payer().Hex(),
		Outstanding: view.Outstanding,
		Receipts:    view.Receipts,
		LastNonce:   view.LastNonce,
	})
}
