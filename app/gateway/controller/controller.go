package controller

import (
	"net/http"

	apitypes "github.com/canopy-network/gatewayx/app/gateway/controller/types"
	"github.com/canopy-network/gatewayx/app/gateway/types"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

// maxRequestBytes caps the GraphQL request body.
const maxRequestBytes = 1 << 20

type Controller struct {
	App          *types.App
	JWTSecret    []byte
	AuthDisabled bool
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App:          app,
		JWTSecret:    []byte(app.Config.JWTSecret),
		AuthDisabled: app.Config.AuthDisabled,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+apitypes.HeaderBudget)
		w.Header().Set("Access-Control-Expose-Headers",
			apitypes.HeaderQueryID+", "+apitypes.HeaderIndexer+", "+apitypes.HeaderFee+", "+apitypes.HeaderAttempts+", "+apitypes.HeaderDeployment)
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the gateway routes.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	r.Handle("/api/deployments/{id}", c.RequireAuth(http.HandlerFunc(c.HandleQuery))).Methods(http.MethodPost)
	r.Handle("/api/subgraphs/{id}", c.RequireAuth(http.HandlerFunc(c.HandleSubgraphQuery))).Methods(http.MethodPost)
	r.Handle("/api/deployments/{id}/indexers", c.RequireAuth(http.HandlerFunc(c.HandleIndexers))).Methods(http.MethodGet)
	r.Handle("/api/indexers/{address}/outstanding", c.RequireAuth(http.HandlerFunc(c.HandleOutstanding))).Methods(http.MethodGet)
	r.Handle("/api/indexers/{address}/receipts/{receipt}/settle", c.RequireAuth(c.RequireSettler(http.HandlerFunc(c.HandleSettle)))).Methods(http.MethodPost)

	r.Handle("/ws/attempts", c.RequireAuth(http.HandlerFunc(c.HandleWebSocket))).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apitypes.ErrorResponse{Error: code, Message: message})
}
