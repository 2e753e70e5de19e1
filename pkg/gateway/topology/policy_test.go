package topology

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func ids(candidates []types.IndexerCandidate) []common.Address {
	out := make([]common.Address, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.ID)
	}
	return out
}

func TestHostBlocklist(t *testing.T) {
	zone := map[string]string{
		"good.example": "203.0.113.7",
		"evil.example": "10.9.9.9",
	}
	lookups := map[string]int{}
	lookup := func(_ context.Context, host string) ([]netip.Addr, error) {
		lookups[host]++
		ip, ok := zone[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		return []netip.Addr{netip.MustParseAddr(ip)}, nil
	}

	indexers := []IndexerSpec{
		{Address: addr(1), URL: "http://10.1.2.3/"},
		{Address: addr(2), URL: "http://192.168.1.5:8080"},
		{Address: addr(3), URL: "https://good.example"},
		{Address: addr(4), URL: "https://evil.example"},
		{Address: addr(5), URL: "https://missing.example"},
		{Address: addr(6), URL: "http://[::ffff:10.0.0.1]:7600"},
		{Address: addr(7), URL: "http://192.168.1.6"},
	}
	doc := File{
		BlockedHosts: []string{"10.0.0.0/8", "192.168.1.5", "not-a-network"},
		Deployments: []DeploymentSpec{
			{ID: "QmA", Indexers: indexers},
			{ID: "QmB", Indexers: indexers},
		},
	}
	r := FromFile(doc, zaptest.NewLogger(t), WithHostLookup(lookup))

	for _, d := range []types.DeploymentID{"QmA", "QmB"} {
		got, err := r.Resolve(d)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{common.HexToAddress(addr(3)), common.HexToAddress(addr(7))}, ids(got), d)
	}
	// literal addresses skip the lookup and each hostname is looked up once per load
	assert.Equal(t, map[string]int{"good.example": 1, "evil.example": 1, "missing.example": 1}, lookups)
}

func TestHostLookupSkippedWithoutBlocklist(t *testing.T) {
	lookup := func(_ context.Context, host string) ([]netip.Addr, error) {
		t.Errorf("unexpected lookup of %s", host)
		return nil, errors.New("unexpected")
	}
	doc := File{Deployments: []DeploymentSpec{{
		ID:       "QmA",
		Indexers: []IndexerSpec{{Address: addr(1), URL: "https://unresolvable.invalid"}},
	}}}
	got, err := FromFile(doc, zaptest.NewLogger(t), WithHostLookup(lookup)).Resolve("QmA")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMinimumVersions(t *testing.T) {
	tests := []struct {
		name      string
		agent     string
		graphNode string
		admitted  bool
	}{
		{"current", "1.2.0", "0.36.0", true},
		{"exact minimum with v prefix", "v1.0.0", "0.35.0", true},
		{"old agent", "0.9.9", "0.36.0", false},
		{"unknown agent", "", "0.36.0", false},
		{"unparseable agent", "latest", "0.36.0", false},
		{"old graph node", "1.0.0", "0.34.1", false},
		{"unknown graph node", "1.0.0", "", true},
		{"unparseable graph node", "1.0.0", "nightly", true},
		{"prerelease below minimum", "1.0.0-rc.1", "0.35.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := File{
				MinAgentVersion:     "1.0.0",
				MinGraphNodeVersion: "0.35.0",
				Deployments: []DeploymentSpec{{
					ID: "QmA",
					Indexers: []IndexerSpec{{
						Address:          addr(1),
						URL:              "https://a.example",
						AgentVersion:     tt.agent,
						GraphNodeVersion: tt.graphNode,
					}},
				}},
			}
			_, err := FromFile(doc, zaptest.NewLogger(t)).Resolve("QmA")
			if tt.admitted {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNoIndexers)
			}
		})
	}
}

func TestNoMinimumVersionAdmitsUnknown(t *testing.T) {
	doc := File{Deployments: []DeploymentSpec{{
		ID:       "QmA",
		Indexers: []IndexerSpec{{Address: addr(1), URL: "https://a.example"}},
	}}}
	_, err := FromFile(doc, zaptest.NewLogger(t)).Resolve("QmA")
	assert.NoError(t, err)
}

func TestPOIBlocklist(t *testing.T) {
	bad := IndexerSpec{Address: addr(1), URL: "https://bad.example", POIs: map[uint64]string{100: "0xABCDEF"}}
	honest := IndexerSpec{Address: addr(2), URL: "https://honest.example", POIs: map[uint64]string{100: "0x123456"}}
	elsewhere := IndexerSpec{Address: addr(3), URL: "https://elsewhere.example", POIs: map[uint64]string{200: "abcdef"}}
	silent := IndexerSpec{Address: addr(4), URL: "https://silent.example"}

	doc := File{
		POIBlocklist: []POIBlock{
			{Deployment: "QmA", Block: 100, POI: "abcdef"},
			{Deployment: "", Block: 1, POI: "00"},
		},
		Deployments: []DeploymentSpec{
			{ID: "QmA", Indexers: []IndexerSpec{bad, honest, elsewhere, silent}},
			{ID: "QmB", Indexers: []IndexerSpec{bad}},
		},
	}
	r := FromFile(doc, zaptest.NewLogger(t))

	got, err := r.Resolve("QmA")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{
		common.HexToAddress(addr(2)),
		common.HexToAddress(addr(3)),
		common.HexToAddress(addr(4)),
	}, ids(got))

	// the blocked proof only concerns QmA
	got, err = r.Resolve("QmB")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress(addr(1))}, ids(got))
}

func TestResolveSubgraph(t *testing.T) {
	doc := File{
		Subgraphs: []SubgraphSpec{
			{ID: "SgTokens", Deployments: []string{"QmOld", "QmNew"}},
			{ID: "SgGone", Deployments: []string{"QmMissing"}},
			{ID: ""},
		},
		Deployments: []DeploymentSpec{
			{ID: "QmOld", Indexers: []IndexerSpec{{Address: addr(1), URL: "https://a.example"}}},
			{ID: "QmNew"},
		},
	}
	r := FromFile(doc, zaptest.NewLogger(t))

	// the newest version has no indexers yet
	d, got, err := r.ResolveSubgraph("SgTokens")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentID("QmOld"), d)
	assert.Len(t, got, 1)

	_, _, err = r.ResolveSubgraph("SgGone")
	assert.ErrorIs(t, err, ErrNoIndexers)

	_, _, err = r.ResolveSubgraph("SgNope")
	assert.ErrorIs(t, err, ErrUnknownSubgraph)

	doc.Deployments[1].Indexers = []IndexerSpec{{Address: addr(2), URL: "https://b.example"}}
	r = FromFile(doc, zaptest.NewLogger(t))
	d, got, err = r.ResolveSubgraph("SgTokens")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentID("QmNew"), d)
	assert.Equal(t, []common.Address{common.HexToAddress(addr(2))}, ids(got))
}

const policyYAML = `
blocked_hosts: ["10.0.0.0/8"]
min_agent_version: "1.0.0"
poi_blocklist:
  - deployment: QmA
    block: 7
    poi: "0xdead"
subgraphs:
  - id: SgA
    deployments: [QmA]
deployments:
  - id: QmA
    indexers:
      - address: "0x00000000000000000000000000000000000000aa"
        url: "http://127.0.0.1:7600"
        agent_version: "1.1.0"
        pois:
          7: "0xbeef"
      - address: "0x00000000000000000000000000000000000000bb"
        url: "http://127.0.0.2:7600"
        agent_version: "1.1.0"
        pois:
          7: "0xDEAD"
      - address: "0x00000000000000000000000000000000000000cc"
        url: "http://10.0.0.3:7600"
        agent_version: "1.1.0"
`

func TestLoadPolicyFromYAML(t *testing.T) {
	r, err := Load(writeTopology(t, policyYAML), zaptest.NewLogger(t))
	require.NoError(t, err)

	d, got, err := r.ResolveSubgraph("SgA")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentID("QmA"), d)
	assert.Equal(t, []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000aa")}, ids(got))
}
