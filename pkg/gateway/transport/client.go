package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/receipts"
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BlocksBehindHeader is set by indexers that report how far behind the chain head they are.
const BlocksBehindHeader = "Indexer-Blocks-Behind"

// Config of the indexer client.
type Config struct {
	// RPS and Burst bound the request rate to each indexer. RPS <= 0 disables limiting.
	RPS   float64
	Burst int
	// MaxBodyBytes caps the response size read from an indexer.
	MaxBodyBytes int64
	UserAgent    string
}

func DefaultConfig() Config {
	return Config{
		RPS:          50,
		Burst:        100,
		MaxBodyBytes: 16 << 20,
		UserAgent:    "gatewayx",
	}
}

// Client sends paid queries to indexers over HTTP. Each call is bounded by the caller's
// context; the client sets no timeout of its own.
type Client struct {
	cfg      Config
	http     *http.Client
	limiters *xsync.Map[types.IndexerID, *rate.Limiter]
	logger   *zap.Logger
}

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		limiters: xsync.NewMap[types.IndexerID, *rate.Limiter](),
		logger:   logger,
	}
}

func (c *Client) limiter(id types.IndexerID) *rate.Limiter {
	if c.cfg.RPS <= 0 {
		return nil
	}
	if l, ok := c.limiters.Load(id); ok {
		return l
	}
	l, _ := c.limiters.LoadOrStore(id, rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst))
	return l
}

type queryBody struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// encodeQuery builds the GraphQL request body. The body is marshaled through a pointer:
// RawMessage only encodes verbatim when addressable.
func encodeQuery(query types.Query) ([]byte, error) {
	body := &queryBody{Query: string(query.Body)}
	if len(query.Variables) > 0 {
		body.Variables = json.RawMessage(query.Variables)
	}
	return json.Marshal(body)
}

type graphqlError struct {
	Message string `json:"message"`
}

type queryResult struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Send posts the query with its receipt to {url}/subgraphs/id/{deployment}. Errors are
// *types.AttemptError or wrap context.DeadlineExceeded.
func (c *Client) Send(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query, receipt receipts.Receipt) (types.Reply, error) {
	if candidate.URL == nil {
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, 0, errors.New("indexer has no url"))
	}
	if l := c.limiter(candidate.ID); l != nil {
		if err := l.Wait(ctx); err != nil {
			// not the indexer's fault, even when ctx expired while waiting
			return types.Reply{}, types.NewAttemptError(types.FailureThrottled, 0, fmt.Errorf("rate limited: %v", err))
		}
	}

	body, err := encodeQuery(query)
	if err != nil {
		return types.Reply{}, types.NewAttemptError(types.FailureBadResponse, 0, fmt.Errorf("encode query: %w", err))
	}
	header, err := receipts.EncodeHeader(receipt)
	if err != nil {
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, 0, fmt.Errorf("encode receipt: %w", err))
	}

	endpoint := candidate.URL.JoinPath("subgraphs", "id", deployment.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set(receipts.HeaderName, header)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Reply{}, fmt.Errorf("post %s: %w", endpoint.Host, context.DeadlineExceeded)
		}
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, 0, err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Reply{}, fmt.Errorf("read %s: %w", endpoint.Host, context.DeadlineExceeded)
		}
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return types.Reply{}, types.NewAttemptError(types.FailureTransport, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return types.Reply{}, types.NewAttemptError(types.FailureIndexer, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	}
	if int64(len(payload)) > c.cfg.MaxBodyBytes {
		return types.Reply{}, types.NewAttemptError(types.FailureBadResponse, resp.StatusCode, errors.New("response too large"))
	}

	var result queryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return types.Reply{}, types.NewAttemptError(types.FailureBadResponse, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	hasData := len(result.Data) > 0 && string(result.Data) != "null"
	if !hasData {
		if len(result.Errors) > 0 {
			return types.Reply{}, types.NewAttemptError(types.FailureIndexer, resp.StatusCode, errors.New(result.Errors[0].Message))
		}
		return types.Reply{}, types.NewAttemptError(types.FailureBadResponse, resp.StatusCode, errors.New("response has neither data nor errors"))
	}

	return types.Reply{Body: payload, BlocksBehind: blocksBehind(resp.Header)}, nil
}

func blocksBehind(h http.Header) int64 {
	v := h.Get(BlocksBehindHeader)
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
