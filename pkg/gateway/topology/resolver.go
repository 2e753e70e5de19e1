package topology

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync/atomic"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownDeployment = errors.New("unknown deployment")
	ErrNoIndexers        = errors.New("no indexers available for deployment")
	ErrUnknownSubgraph   = errors.New("unknown subgraph")
)

// File is the on-disk topology document.
type File struct {
	Blocklist []string `yaml:"blocklist"`
	// BlockedHosts lists addresses and CIDR networks indexer URLs may not resolve into.
	BlockedHosts        []string         `yaml:"blocked_hosts"`
	MinAgentVersion     string           `yaml:"min_agent_version"`
	MinGraphNodeVersion string           `yaml:"min_graph_node_version"`
	POIBlocklist        []POIBlock       `yaml:"poi_blocklist"`
	Subgraphs           []SubgraphSpec   `yaml:"subgraphs"`
	Deployments         []DeploymentSpec `yaml:"deployments"`
}

// SubgraphSpec lists the deployments of a subgraph, oldest first.
type SubgraphSpec struct {
	ID          string   `yaml:"id"`
	Deployments []string `yaml:"deployments"`
}

type DeploymentSpec struct {
	ID string `yaml:"id"`
	// MinBlock is the deployment's start block. Indexers known to be below it are dropped.
	MinBlock uint64 `yaml:"min_block"`
	// ChainHead is the latest block of the indexed chain, 0 when unknown.
	ChainHead uint64        `yaml:"chain_head"`
	Indexers  []IndexerSpec `yaml:"indexers"`
}

type IndexerSpec struct {
	Address    string `yaml:"address"`
	URL        string `yaml:"url"`
	Collateral uint64 `yaml:"collateral"`
	MinFee     uint64 `yaml:"min_fee"`
	// LatestBlock is the indexer's last indexed block, 0 when unknown.
	LatestBlock      uint64 `yaml:"latest_block"`
	AgentVersion     string `yaml:"agent_version"`
	GraphNodeVersion string `yaml:"graph_node_version"`
	// POIs are the proofs of indexing the indexer reported for this deployment, by block.
	POIs map[uint64]string `yaml:"pois"`
}

type network struct {
	deployments map[types.DeploymentID][]types.IndexerCandidate
	// newest deployment first
	subgraphs map[types.SubgraphID][]types.DeploymentID
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHostLookup replaces the DNS lookup used for the host blocklist.
func WithHostLookup(lookup HostLookup) Option {
	return func(r *Resolver) { r.lookup = lookup }
}

// Resolver maps deployments to their candidate indexers. It is safe for concurrent use and
// can be reloaded while queries resolve against the previous snapshot.
type Resolver struct {
	path    string
	current atomic.Pointer[network]
	lookup  HostLookup
	logger  *zap.Logger
}

// Load reads the topology file at path.
func Load(path string, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	r := newResolver(path, logger, opts)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromFile builds a resolver from an in-memory document. Reload is a no-op for it.
func FromFile(doc File, logger *zap.Logger, opts ...Option) *Resolver {
	r := newResolver("", logger, opts)
	r.current.Store(r.build(doc))
	return r
}

func newResolver(path string, logger *zap.Logger, opts []Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{path: path, lookup: defaultLookup, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload re-reads the topology file. On error the previous snapshot stays in place.
func (r *Resolver) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read topology %s: %w", r.path, err)
	}
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse topology %s: %w", r.path, err)
	}
	next := r.build(doc)
	r.current.Store(next)
	r.logger.Info("Topology loaded",
		zap.String("path", r.path),
		zap.Int("deployments", len(next.deployments)),
		zap.Int("subgraphs", len(next.subgraphs)))
	return nil
}

func (r *Resolver) build(doc File) *network {
	blocked := make(map[common.Address]struct{}, len(doc.Blocklist))
	for _, a := range doc.Blocklist {
		if !common.IsHexAddress(a) {
			r.logger.Warn("Ignoring invalid blocklist entry", zap.String("address", a))
			continue
		}
		blocked[common.HexToAddress(a)] = struct{}{}
	}
	rules, errs := newPolicy(doc, r.lookup)
	for _, err := range errs {
		r.logger.Warn("Ignoring invalid policy entry", zap.Error(err))
	}

	n := &network{
		deployments: make(map[types.DeploymentID][]types.IndexerCandidate, len(doc.Deployments)),
		subgraphs:   make(map[types.SubgraphID][]types.DeploymentID, len(doc.Subgraphs)),
	}
	for _, d := range doc.Deployments {
		if d.ID == "" {
			r.logger.Warn("Ignoring deployment without id")
			continue
		}
		id := types.DeploymentID(d.ID)
		byAddr := make(map[common.Address]types.IndexerCandidate, len(d.Indexers))
		for _, spec := range d.Indexers {
			c, err := candidate(d, spec)
			if err != nil {
				r.logger.Warn("Ignoring indexer",
					zap.String("deployment", d.ID),
					zap.String("address", spec.Address),
					zap.Error(err))
				continue
			}
			if _, ok := blocked[c.ID]; ok {
				r.logger.Info("Indexer is blocked", zap.String("deployment", d.ID), zap.Stringer("indexer", c.ID))
				continue
			}
			if err := rules.admit(d, spec, c.URL); err != nil {
				r.logger.Info("Indexer is blocked",
					zap.String("deployment", d.ID),
					zap.Stringer("indexer", c.ID),
					zap.Error(err))
				continue
			}
			// later entries for the same address win
			byAddr[c.ID] = c
		}
		candidates := make([]types.IndexerCandidate, 0, len(byAddr))
		for _, c := range byAddr {
			candidates = append(candidates, c)
		}
		sort.Slice(candidates, func(i, j int) bool {
			return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
		})
		n.deployments[id] = candidates
	}

	for _, sg := range doc.Subgraphs {
		if sg.ID == "" {
			r.logger.Warn("Ignoring subgraph without id")
			continue
		}
		versions := make([]types.DeploymentID, 0, len(sg.Deployments))
		for i := len(sg.Deployments) - 1; i >= 0; i-- {
			versions = append(versions, types.DeploymentID(sg.Deployments[i]))
		}
		n.subgraphs[types.SubgraphID(sg.ID)] = versions
	}
	return n
}

func candidate(d DeploymentSpec, spec IndexerSpec) (types.IndexerCandidate, error) {
	if !common.IsHexAddress(spec.Address) {
		return types.IndexerCandidate{}, errors.New("invalid address")
	}
	u, err := url.Parse(spec.URL)
	if err != nil {
		return types.IndexerCandidate{}, fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.IndexerCandidate{}, fmt.Errorf("invalid url %q", spec.URL)
	}
	if spec.LatestBlock > 0 && spec.LatestBlock < d.MinBlock {
		return types.IndexerCandidate{}, fmt.Errorf("latest block %d below min block %d", spec.LatestBlock, d.MinBlock)
	}

	behind := int64(-1)
	if spec.LatestBlock > 0 && d.ChainHead > 0 {
		behind = 0
		if d.ChainHead > spec.LatestBlock {
			behind = int64(d.ChainHead - spec.LatestBlock)
		}
	}
	return types.IndexerCandidate{
		ID:           common.HexToAddress(spec.Address),
		URL:          u,
		Collateral:   types.Fee(spec.Collateral),
		MinFee:       types.Fee(spec.MinFee),
		BlocksBehind: behind,
	}, nil
}

// Resolve returns the candidates of a deployment. The slice is a copy.
func (r *Resolver) Resolve(deployment types.DeploymentID) ([]types.IndexerCandidate, error) {
	candidates, ok := r.current.Load().deployments[deployment]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, deployment)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoIndexers, deployment)
	}
	return append([]types.IndexerCandidate(nil), candidates...), nil
}

// ResolveSubgraph picks the newest deployment of a subgraph that has candidates.
func (r *Resolver) ResolveSubgraph(subgraph types.SubgraphID) (types.DeploymentID, []types.IndexerCandidate, error) {
	n := r.current.Load()
	versions, ok := n.subgraphs[subgraph]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownSubgraph, subgraph)
	}
	for _, d := range versions {
		if candidates := n.deployments[d]; len(candidates) > 0 {
			return d, append([]types.IndexerCandidate(nil), candidates...), nil
		}
	}
	return "", nil, fmt.Errorf("%w: subgraph %s", ErrNoIndexers, subgraph)
}

// Deployments lists the known deployments in order.
func (r *Resolver) Deployments() []types.DeploymentID {
	n := r.current.Load()
	out := make([]types.DeploymentID, 0, len(n.deployments))
	for id := range n.deployments {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
