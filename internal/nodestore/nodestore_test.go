package nodestore

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crsl-io/crsl/internal/keyValStore"
	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/types"
)

func setupStore(tb testing.TB) *Store {
	tb.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:   tb.TempDir(),
		Logger: logger,
	})
	if err != nil {
		tb.Fatalf("failed to open key value store: %v", err)
	}
	tb.Cleanup(func() {
		_ = kv.Close()
	})
	return New(kv, logger)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := setupStore(t)

	n := types.NewGenesisNode([]byte("v1"), 10, types.Metadata{})
	c, err := store.PutNode(n)
	require.NoError(t, err)
	require.True(t, c.Defined())

	got, err := store.GetNode(c)
	require.NoError(t, err)
	assert.True(t, n.Equal(&got))
}

func TestPutIsIdempotent(t *testing.T) {
	store := setupStore(t)

	n := types.NewGenesisNode([]byte("v1"), 10, types.Metadata{})
	a, err := store.PutNode(n)
	require.NoError(t, err)
	b, err := store.PutNode(n)
	require.NoError(t, err)
	assert.True(t, a.Equals(b))

	nodes, err := store.NodesByGenesis(a)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestGetMissingNode(t *testing.T) {
	store := setupStore(t)

	c, err := codec.CIDForBytes([]byte("never stored"))
	require.NoError(t, err)

	_, err = store.GetNode(c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	ok, err := store.HasNode(c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodesByGenesisCollectsSeries(t *testing.T) {
	store := setupStore(t)

	genesisNode := types.NewGenesisNode([]byte("v1"), 1, types.Metadata{})
	genesis, err := store.PutNode(genesisNode)
	require.NoError(t, err)

	child1 := types.NewChildNode([]byte("v2"), []cid.Cid{genesis}, genesis, 2, types.Metadata{})
	c1, err := store.PutNode(child1)
	require.NoError(t, err)

	child2 := types.NewChildNode([]byte("v3"), []cid.Cid{c1}, genesis, 3, types.Metadata{})
	c2, err := store.PutNode(child2)
	require.NoError(t, err)

	nodes, err := store.NodesByGenesis(genesis)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Contains(t, nodes, genesis)
	assert.Contains(t, nodes, c1)
	assert.Contains(t, nodes, c2)

	// nodes of another series stay invisible
	other := types.NewGenesisNode([]byte("unrelated"), 5, types.Metadata{})
	otherCid, err := store.PutNode(other)
	require.NoError(t, err)

	nodes, err = store.NodesByGenesis(genesis)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	assert.NotContains(t, nodes, otherCid)
}
