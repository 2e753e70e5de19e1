package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const topologyYAML = `
blocklist:
  - "0x00000000000000000000000000000000000000dd"
  - "not-an-address"
deployments:
  - id: QmGood
    min_block: 100
    chain_head: 1000
    indexers:
      - address: "0x00000000000000000000000000000000000000bb"
        url: "https://b.example.com/"
        collateral: 500
        min_fee: 2
        latest_block: 990
      - address: "0x00000000000000000000000000000000000000aa"
        url: "http://a.example.com"
        collateral: 1000
      - address: "0x00000000000000000000000000000000000000cc"
        url: "ftp://c.example.com"
      - address: "0x00000000000000000000000000000000000000dd"
        url: "https://blocked.example.com"
      - address: "0x00000000000000000000000000000000000000ee"
        url: "https://behind.example.com"
        latest_block: 50
      - address: "0x00000000000000000000000000000000000000ff"
        url: "/relative"
  - id: QmEmpty
    indexers:
      - address: "0x00000000000000000000000000000000000000dd"
        url: "https://blocked.example.com"
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFiltersIndexers(t *testing.T) {
	r, err := Load(writeTopology(t, topologyYAML), zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := r.Resolve("QmGood")
	require.NoError(t, err)
	require.Len(t, got, 2)

	a, b := got[0], got[1]
	assert.Equal(t, common.HexToAddress("0xaa"), a.ID)
	assert.Equal(t, "a.example.com", a.URL.Host)
	assert.Equal(t, types.Fee(1000), a.Collateral)
	assert.Equal(t, int64(-1), a.BlocksBehind)

	assert.Equal(t, common.HexToAddress("0xbb"), b.ID)
	assert.Equal(t, types.Fee(2), b.MinFee)
	assert.Equal(t, int64(10), b.BlocksBehind)
}

func TestResolveErrors(t *testing.T) {
	r, err := Load(writeTopology(t, topologyYAML), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = r.Resolve("QmMissing")
	assert.ErrorIs(t, err, ErrUnknownDeployment)

	_, err = r.Resolve("QmEmpty")
	assert.ErrorIs(t, err, ErrNoIndexers)

	assert.Equal(t, []types.DeploymentID{"QmEmpty", "QmGood"}, r.Deployments())
}

func TestResolveReturnsCopy(t *testing.T) {
	r, err := Load(writeTopology(t, topologyYAML), zaptest.NewLogger(t))
	require.NoError(t, err)

	first, err := r.Resolve("QmGood")
	require.NoError(t, err)
	first[0].Collateral = 0

	second, err := r.Resolve("QmGood")
	require.NoError(t, err)
	assert.Equal(t, types.Fee(1000), second[0].Collateral)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := writeTopology(t, topologyYAML)
	r, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("deployments: [\n"), 0o600))
	assert.Error(t, r.Reload())

	_, err = r.Resolve("QmGood")
	assert.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("deployments:\n  - id: QmNew\n    indexers:\n      - address: \"0xaa\"\n        url: http://x\n"), 0o600))
	require.NoError(t, r.Reload())
	assert.Equal(t, []types.DeploymentID{"QmNew"}, r.Deployments())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestFromFileDuplicateAddressLastWins(t *testing.T) {
	r := FromFile(File{Deployments: []DeploymentSpec{{
		ID: "QmDup",
		Indexers: []IndexerSpec{
			{Address: "0x00000000000000000000000000000000000000aa", URL: "http://old", Collateral: 1},
			{Address: "0x00000000000000000000000000000000000000aa", URL: "http://new", Collateral: 2},
		},
	}}}, zaptest.NewLogger(t))

	got, err := r.Resolve("QmDup")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].URL.Host)
	assert.NoError(t, r.Reload())
}
