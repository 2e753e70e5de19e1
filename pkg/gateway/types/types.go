package types

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentID identifies one version of a dataset served by indexers.
type DeploymentID string

func (d DeploymentID) String() string { return string(d) }

// SubgraphID names a dataset across its deployments.
type SubgraphID string

func (s SubgraphID) String() string { return string(s) }

// IndexerID is the on-chain address of an indexer.
type IndexerID = common.Address

// Fee is an amount in the smallest unit of the payment token.
type Fee uint64

// IndexerCandidate is an indexer able to serve a deployment, as supplied by the resolver for
// one query. It is never mutated during a dispatch.
type IndexerCandidate struct {
	ID  IndexerID
	URL *url.URL
	// Collateral is the ceiling on outstanding receipt value for this indexer.
	Collateral Fee
	// MinFee is the lowest fee the indexer accepts for any query.
	MinFee Fee
	// BlocksBehind is the freshness reported by the network topology, -1 when unknown.
	BlocksBehind int64
}

func (c IndexerCandidate) String() string {
	return c.ID.Hex()
}

// Query is the client request forwarded to indexers.
type Query struct {
	// ID is unique per client query and seeds the selection draw.
	ID        string
	Body      []byte
	Variables []byte
	// Origin is the requesting domain, used for authorization only.
	Origin string
}

// Response is what an indexer returned for a successful attempt.
type Response struct {
	Indexer IndexerID
	Fee     Fee
	Body    []byte
	// BlocksBehind as reported by the indexer in its response, -1 when absent.
	BlocksBehind int64
	Latency      time.Duration
	Attempts     int
}

// FailureClass categorizes a failed attempt. The ordering is not meaningful.
type FailureClass uint8

const (
	FailureNone FailureClass = iota
	// FailureTimeout means no answer within the per-attempt timeout.
	FailureTimeout
	// FailureTransport covers connection errors and non-indexer HTTP failures.
	FailureTransport
	// FailureIndexer is an error reported by the indexer itself.
	FailureIndexer
	// FailureBadResponse is an answer that could not be interpreted.
	FailureBadResponse
	// FailureCollateral is the gateway refusing to issue a receipt. It is never recorded
	// against the indexer's statistics.
	FailureCollateral
	// FailureThrottled is the gateway's own rate limit holding the request back. The indexer
	// was never contacted.
	FailureThrottled
)

var failureClassNames = map[FailureClass]string{
	FailureNone:        "none",
	FailureTimeout:     "timeout",
	FailureTransport:   "transport_error",
	FailureIndexer:     "indexer_error",
	FailureBadResponse: "bad_response",
	FailureCollateral:  "insufficient_collateral",
	FailureThrottled:   "throttled",
}

// Counted reports whether the class is the indexer's fault and weighs on its statistics.
func (f FailureClass) Counted() bool {
	switch f {
	case FailureNone, FailureCollateral, FailureThrottled:
		return false
	}
	return true
}

func (f FailureClass) String() string {
	if s, ok := failureClassNames[f]; ok {
		return s
	}
	return fmt.Sprintf("failure(%d)", uint8(f))
}

// Outcome is the result of one attempt as seen by the statistics store.
type Outcome struct {
	Success bool
	Class   FailureClass
	// Latency is zero when it was not measured.
	Latency time.Duration
	// Fee is zero when the attempt carried no quote.
	Fee Fee
	// BlocksBehind is -1 when unknown.
	BlocksBehind int64
}

// Succeeded builds the outcome of a successful attempt.
func Succeeded(latency time.Duration, fee Fee, blocksBehind int64) Outcome {
	return Outcome{Success: true, Latency: latency, Fee: fee, BlocksBehind: blocksBehind}
}

// Failed builds the outcome of a failed attempt.
func Failed(class FailureClass, latency time.Duration, fee Fee) Outcome {
	return Outcome{Class: class, Latency: latency, Fee: fee, BlocksBehind: -1}
}

// PricedCandidate is a candidate together with the fee it quoted for one query.
type PricedCandidate struct {
	Candidate IndexerCandidate
	Fee       Fee
}
