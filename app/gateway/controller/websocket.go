package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/redis"
	"github.com/canopy-network/gatewayx/pkg/retry"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origins are checked against the token's domains by RequireAuth
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is sent by feed clients.
type ClientMessage struct {
	Action     string `json:"action"`     // "subscribe" or "unsubscribe"
	Deployment string `json:"deployment"` // deployment id, or "*" for every authorized deployment
}

// ServerMessage is sent to feed clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "attempt", "subscribed", "unsubscribed", "error", "info"
	Payload interface{} `json:"payload"`
}

// subscriptions tracks the deployments a client follows.
type subscriptions struct {
	mu          sync.RWMutex
	deployments map[string]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{deployments: make(map[string]bool)}
}

func (s *subscriptions) Subscribe(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d] = true
}

func (s *subscriptions) Unsubscribe(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deployments, d)
}

// IsSubscribed checks a deployment. Wildcard (*) matches all.
func (s *subscriptions) IsSubscribed(d string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployments["*"] || s.deployments[d]
}

// HandleWebSocket streams attempt summaries published by the Redis telemetry sink.
//
// Client sends: {"action": "subscribe", "deployment": "Qm..."} or {"action": "subscribe", "deployment": "*"}
// Server sends: {"type": "attempt", "payload": {...}}
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Live attempt feed not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}
	claims := claimsFrom(r.Context())
	logger := c.App.Logger.With(zap.String("remote_addr", r.RemoteAddr))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptions()
	send := make(chan ServerMessage, 256)

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
					cancel()
				}
			}()
			fn()
		}()
	}
	run("redis", func() { c.subscribeToRedis(ctx, send, subs, claims) })
	run("ping", func() { c.sendPings(ctx, conn) })
	run("writer", func() { c.writeMessages(ctx, conn, send) })

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send, claims)

	cancel()
	wg.Wait()
	logger.Info("WebSocket client disconnected")
}

// subscribeToRedis follows the attempt channels, reconnecting with backoff until ctx is done.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *subscriptions, claims *Claims) {
	backoff := retry.Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, JitterEnabled: true}
	for attempt := 1; ; attempt++ {
		err := c.followAttempts(ctx, send, subs, claims)
		if ctx.Err() != nil {
			return
		}
		delay := retry.Delay(backoff, attempt)
		c.App.Logger.Warn("Redis subscription lost, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if !trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]interface{}{
			"message":     "live feed interrupted, reconnecting",
			"retryIn":     delay.Seconds(),
			"recoverable": true,
		}}) {
			return
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) followAttempts(ctx context.Context, send chan<- ServerMessage, subs *subscriptions, claims *Claims) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx, redis.AttemptPattern)
	defer func() { _ = pubsub.Close() }()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return err
	}
	return c.forwardAttempts(ctx, pubsub, send, subs, claims)
}

func (c *Controller) forwardAttempts(ctx context.Context, pubsub *goredis.PubSub, send chan<- ServerMessage, subs *subscriptions, claims *Claims) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deployment := DeploymentFromChannel(msg.Channel)
			if deployment == "" || !subs.IsSubscribed(deployment) || !claims.AllowsDeployment(types.DeploymentID(deployment)) {
				continue
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.App.Logger.Debug("Dropping malformed attempt message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "attempt", Payload: payload}) {
				return ctx.Err()
			}
		}
	}
}

// DeploymentFromChannel extracts the deployment from "gateway:<deployment>:attempt".
func DeploymentFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "gateway" || parts[2] != "attempt" {
		return ""
	}
	return parts[1]
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *subscriptions, send chan<- ServerMessage, claims *Claims) {
	resetDeadline := func() error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) }
	if err := resetDeadline(); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error { return resetDeadline() })

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.App.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := resetDeadline(); err != nil {
			cancel()
			return
		}

		var reply ServerMessage
		switch {
		case msg.Deployment == "":
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "deployment is required"}}
		case msg.Deployment != "*" && !claims.AllowsDeployment(types.DeploymentID(msg.Deployment)):
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "deployment not authorized"}}
		case msg.Action == "subscribe":
			subs.Subscribe(msg.Deployment)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"deployment": msg.Deployment}}
		case msg.Action == "unsubscribe":
			subs.Unsubscribe(msg.Deployment)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"deployment": msg.Deployment}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
