package controller

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	gwtypes "github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims of a gateway API token. Empty lists authorize everything.
type Claims struct {
	jwt.RegisteredClaims
	Deployments []string `json:"deployments,omitempty"`
	Subgraphs   []string `json:"subgraphs,omitempty"`
	// Domains restricts the request Origin. A leading "*" matches any origin ending with the rest.
	Domains []string `json:"domains,omitempty"`
	// Settler marks operator tokens allowed to settle receipts. Client tokens never carry it.
	Settler bool `json:"settler,omitempty"`
}

// AllowsDeployment reports whether the token may query the deployment.
func (c *Claims) AllowsDeployment(d gwtypes.DeploymentID) bool {
	if len(c.Deployments) == 0 {
		return true
	}
	for _, allowed := range c.Deployments {
		if allowed == d.String() {
			return true
		}
	}
	return false
}

// AllowsSubgraph reports whether the token may query the subgraph.
func (c *Claims) AllowsSubgraph(s gwtypes.SubgraphID) bool {
	if len(c.Subgraphs) == 0 {
		return true
	}
	for _, allowed := range c.Subgraphs {
		if allowed == s.String() {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether the token may be used from the origin host.
func (c *Claims) AllowsDomain(host string) bool {
	if len(c.Domains) == 0 {
		return true
	}
	for _, pattern := range c.Domains {
		if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
			if strings.HasSuffix(host, suffix) {
				return true
			}
		} else if host == pattern {
			return true
		}
	}
	return false
}

type claimsKey struct{}

// claimsFrom returns the claims RequireAuth attached. With auth disabled they are empty.
func claimsFrom(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return &Claims{}
}

// originHost extracts the host of the Origin header, or of Referer when Origin is absent.
func originHost(r *http.Request) string {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("access_token")
}

// ParseToken validates an HS256 token signed with the gateway secret.
func (c *Controller) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueToken signs claims with the gateway secret.
func (c *Controller) IssueToken(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.JWTSecret)
}

// RequireAuth middleware
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.AuthDisabled {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := c.ParseToken(raw)
		if err != nil {
			c.App.Logger.Debug("Rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.AllowsDomain(originHost(r)) {
			writeError(w, http.StatusForbidden, "forbidden", "origin not authorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireSettler must run inside RequireAuth. Settlement is refused outright when auth is disabled.
func (c *Controller) RequireSettler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.AuthDisabled {
			writeError(w, http.StatusForbidden, "forbidden", "settlement requires authentication")
			return
		}
		if !claimsFrom(r.Context()).Settler {
			writeError(w, http.StatusForbidden, "forbidden", "token may not settle receipts")
			return
		}
		next.ServeHTTP(w, r)
	})
}
