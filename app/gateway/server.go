package gateway

import (
	"net/http"
	"time"

	"github.com/canopy-network/gatewayx/app/gateway/controller"
	"github.com/canopy-network/gatewayx/app/gateway/types"
)

// NewServer sets app.Server with the gateway routes.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	app.Server = &http.Server{
		Addr:              app.Config.Addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
