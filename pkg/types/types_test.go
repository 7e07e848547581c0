package types

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCid(tb testing.TB, data string) cid.Cid {
	tb.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	if err != nil {
		tb.Fatalf("failed to hash test data: %v", err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestMetadataPolicyFallback(t *testing.T) {
	assert.Equal(t, DefaultPolicy, Metadata{}.Policy())
	assert.Equal(t, "custom", Metadata{PolicyType: "custom"}.Policy())
}

func TestGenesisNode(t *testing.T) {
	n := NewGenesisNode([]byte("v1"), 42, Metadata{})
	assert.True(t, n.IsGenesis())
	assert.False(t, n.IsMerge())
	assert.Nil(t, n.Genesis)

	self := testCid(t, "self")
	assert.Equal(t, self, n.GenesisOr(self))
}

func TestChildNode(t *testing.T) {
	genesis := testCid(t, "genesis")
	parent := testCid(t, "parent")

	n := NewChildNode([]byte("v2"), []cid.Cid{parent}, genesis, 43, Metadata{})
	assert.False(t, n.IsGenesis())
	assert.False(t, n.IsMerge())
	require.NotNil(t, n.Genesis)
	assert.Equal(t, genesis, n.GenesisOr(testCid(t, "other")))

	merge := NewChildNode([]byte("m"), []cid.Cid{parent, testCid(t, "parent2")}, genesis, 44, Metadata{})
	assert.True(t, merge.IsMerge())
}

func TestNodeEqual(t *testing.T) {
	genesis := testCid(t, "genesis")
	parent := testCid(t, "parent")

	a := NewChildNode([]byte("v2"), []cid.Cid{parent}, genesis, 43, Metadata{PolicyType: "lww"})
	b := NewChildNode([]byte("v2"), []cid.Cid{parent}, genesis, 43, Metadata{PolicyType: "lww"})
	assert.True(t, a.Equal(&b))

	c := b
	c.Timestamp = 99
	assert.False(t, a.Equal(&c))

	g := NewGenesisNode([]byte("v2"), 43, Metadata{PolicyType: "lww"})
	assert.False(t, a.Equal(&g))
	assert.False(t, a.Equal(nil))
}

func TestOperationKindRoundTrip(t *testing.T) {
	for _, kind := range []OperationKind{OpCreate, OpUpdate, OpDelete, OpMerge} {
		var decoded OperationKind
		require.NoError(t, decoded.FromBytes(kind.Bytes()))
		assert.Equal(t, kind, decoded)
	}

	var k OperationKind
	assert.Error(t, k.FromBytes(nil))
	assert.Error(t, k.FromBytes([]byte{1, 2}))
	assert.Error(t, k.FromBytes([]byte{200}))
}

func TestOperationKindString(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "update", OpUpdate.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "merge", OpMerge.String())
}

func TestNewOperationAssignsID(t *testing.T) {
	genesis := testCid(t, "genesis")
	a := NewOperation(genesis, OpUpdate, []byte("p"), "alice", 10)
	b := NewOperation(genesis, OpUpdate, []byte("p"), "alice", 10)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.IsTombstone())

	d := NewOperation(genesis, OpDelete, nil, "alice", 11)
	assert.True(t, d.IsTombstone())
}

func TestSortOperationsCanonicalOrder(t *testing.T) {
	genesis := testCid(t, "genesis")
	ops := []Operation{
		{ID: "b", Genesis: genesis, Kind: OpUpdate, Timestamp: 5, Author: "bob"},
		{ID: "a", Genesis: genesis, Kind: OpUpdate, Timestamp: 5, Author: "bob"},
		{ID: "z", Genesis: genesis, Kind: OpUpdate, Timestamp: 5, Author: "alice"},
		{ID: "c", Genesis: genesis, Kind: OpCreate, Timestamp: 1, Author: "zed"},
	}
	SortOperations(ops)

	require.Len(t, ops, 4)
	assert.Equal(t, "c", ops[0].ID)
	assert.Equal(t, "z", ops[1].ID)
	assert.Equal(t, "a", ops[2].ID)
	assert.Equal(t, "b", ops[3].ID)
}
