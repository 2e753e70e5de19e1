package controller

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	apitypes "github.com/canopy-network/gatewayx/app/gateway/controller/types"
	"github.com/canopy-network/gatewayx/pkg/gateway/dispatch"
	"github.com/canopy-network/gatewayx/pkg/gateway/topology"
	gwtypes "github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleQuery forwards a GraphQL query for one deployment to the best available indexer.
func (c *Controller) HandleQuery(w http.ResponseWriter, r *http.Request) {
	deployment := gwtypes.DeploymentID(mux.Vars(r)["id"])
	queryID := uuid.NewString()
	w.Header().Set(apitypes.HeaderQueryID, queryID)

	if !claimsFrom(r.Context()).AllowsDeployment(deployment) {
		writeError(w, http.StatusForbidden, "forbidden", "deployment not authorized")
		return
	}
	req, budget, ok := c.readQuery(w, r)
	if !ok {
		return
	}

	candidates, err := c.App.Topology.Resolve(deployment)
	switch {
	case errors.Is(err, topology.ErrUnknownDeployment):
		writeError(w, http.StatusNotFound, "unknown_deployment", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "no_indexers", err.Error())
		return
	}
	c.dispatch(w, r, queryID, deployment, candidates, req, budget)
}

// HandleSubgraphQuery serves a query against the newest deployment of a subgraph that has indexers.
// A token listing subgraphs authorizes their deployments; otherwise the deployment must be allowed.
func (c *Controller) HandleSubgraphQuery(w http.ResponseWriter, r *http.Request) {
	subgraph := gwtypes.SubgraphID(mux.Vars(r)["id"])
	queryID := uuid.NewString()
	w.Header().Set(apitypes.HeaderQueryID, queryID)

	claims := claimsFrom(r.Context())
	if !claims.AllowsSubgraph(subgraph) {
		writeError(w, http.StatusForbidden, "forbidden", "subgraph not authorized")
		return
	}
	req, budget, ok := c.readQuery(w, r)
	if !ok {
		return
	}

	deployment, candidates, err := c.App.Topology.ResolveSubgraph(subgraph)
	switch {
	case errors.Is(err, topology.ErrUnknownSubgraph):
		writeError(w, http.StatusNotFound, "unknown_subgraph", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "no_indexers", err.Error())
		return
	}
	if len(claims.Subgraphs) == 0 && !claims.AllowsDeployment(deployment) {
		writeError(w, http.StatusForbidden, "forbidden", "deployment not authorized")
		return
	}
	w.Header().Set(apitypes.HeaderDeployment, deployment.String())
	c.dispatch(w, r, queryID, deployment, candidates, req, budget)
}

// readQuery parses the GraphQL body and the budget header. It writes the error response itself.
func (c *Controller) readQuery(w http.ResponseWriter, r *http.Request) (apitypes.QueryRequest, gwtypes.Fee, bool) {
	var req apitypes.QueryRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "bad_query", "request body too large")
		return req, 0, false
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_query", "body must be a GraphQL request")
		return req, 0, false
	}
	if err := CheckQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return req, 0, false
	}

	budget := c.App.Config.DefaultBudget
	if raw := r.Header.Get(apitypes.HeaderBudget); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid "+apitypes.HeaderBudget)
			return req, 0, false
		}
		budget = min(budget, gwtypes.Fee(v))
	}
	return req, budget, true
}

// dispatch runs the query and writes the indexer response.
func (c *Controller) dispatch(w http.ResponseWriter, r *http.Request, queryID string, deployment gwtypes.DeploymentID,
	candidates []gwtypes.IndexerCandidate, req apitypes.QueryRequest, budget gwtypes.Fee) {
	res, err := c.App.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Deployment: deployment,
		Candidates: candidates,
		Query: gwtypes.Query{
			ID:        queryID,
			Body:      []byte(req.Query),
			Variables: req.Variables,
			Origin:    originHost(r),
		},
		Budget: budget,
	})
	if err != nil {
		c.writeDispatchError(w, queryID, err)
		return
	}

	w.Header().Set(apitypes.HeaderIndexer, res.Response.Indexer.Hex())
	w.Header().Set(apitypes.HeaderFee, strconv.FormatUint(uint64(res.Charged), 10))
	w.Header().Set(apitypes.HeaderAttempts, strconv.Itoa(res.Response.Attempts))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Response.Body)
}

func (c *Controller) writeDispatchError(w http.ResponseWriter, queryID string, err error) {
	var de *dispatch.DispatchError
	if !errors.As(err, &de) {
		c.App.Logger.Error("Dispatch failed", zap.String("query_id", queryID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	status, code := http.StatusBadGateway, "exhausted"
	switch {
	case errors.Is(err, dispatch.ErrNoIndexersAvailable):
		status, code = http.StatusServiceUnavailable, "no_indexers"
	case errors.Is(err, dispatch.ErrBudgetExceeded):
		status, code = http.StatusPaymentRequired, "budget_exceeded"
	case errors.Is(err, dispatch.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, dispatch.ErrCanceled):
		// client is gone; the status is only for logs
		status, code = 499, "canceled"
	}

	resp := apitypes.ErrorResponse{Error: code, Message: de.Kind.Error(), QueryID: queryID}
	for _, id := range de.Tried {
		resp.Tried = append(resp.Tried, id.Hex())
	}
	for _, f := range de.Failures {
		resp.Failed = append(resp.Failed, apitypes.AttemptFailure{
			Indexer: f.Indexer.Hex(),
			Class:   f.Class.String(),
			Message: f.Message,
		})
	}
	writeJSON(w, status, resp)
}
