package convergence

import (
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/graph"
	"github.com/crsl-io/crsl/pkg/types"
)

type memStore struct {
	nodes map[cid.Cid]types.Node
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[cid.Cid]types.Node)}
}

func (m *memStore) PutNode(n types.Node) (cid.Cid, error) {
	c, err := codec.NodeCID(n)
	if err != nil {
		return cid.Undef, err
	}
	m.nodes[c] = n
	return c, nil
}

func (m *memStore) GetNode(c cid.Cid) (types.Node, error) {
	n, ok := m.nodes[c]
	if !ok {
		return types.Node{}, fmt.Errorf("node %s: %w", c, graph.ErrNodeNotFound)
	}
	return n, nil
}

func (m *memStore) HasNode(c cid.Cid) (bool, error) {
	_, ok := m.nodes[c]
	return ok, nil
}

func (m *memStore) NodesByGenesis(genesis cid.Cid) (map[cid.Cid]types.Node, error) {
	out := make(map[cid.Cid]types.Node)
	for c, n := range m.nodes {
		if n.GenesisOr(c).Equals(genesis) {
			out[c] = n
		}
	}
	return out, nil
}

func setupResolver(tb testing.TB) (*Resolver, *graph.DAG) {
	tb.Helper()
	dag := graph.New(newMemStore(), nil)
	return NewResolver(dag, NewRegistry(), nil), dag
}

func TestLwwResolveNewestWins(t *testing.T) {
	policy := LwwMergePolicy{}

	payload, err := policy.Resolve([]ResolveInput{
		{Payload: []byte("old"), Timestamp: 1},
		{Payload: []byte("new"), Timestamp: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), payload)
}

func TestLwwResolveTieTakesLastInput(t *testing.T) {
	policy := LwwMergePolicy{}

	payload, err := policy.Resolve([]ResolveInput{
		{Payload: []byte("first"), Timestamp: 5},
		{Payload: []byte("second"), Timestamp: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), payload)
}

func TestLwwResolveEmpty(t *testing.T) {
	_, err := LwwMergePolicy{}.Resolve(nil)
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	p, err := r.Create("lww")
	require.NoError(t, err)
	assert.Equal(t, "lww", p.Name())

	p, err = r.Create("")
	require.NoError(t, err)
	assert.Equal(t, "lww", p.Name(), "empty name selects the default policy")

	_, err = r.Create("does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestCreateMergeCandidate(t *testing.T) {
	resolver, dag := setupResolver(t)

	genesis, err := dag.AddGenesisNode([]byte("v1"), 1, types.Metadata{})
	require.NoError(t, err)
	b1, err := dag.AddChildNode([]byte("branch1"), []cid.Cid{genesis}, 2)
	require.NoError(t, err)
	b2, err := dag.AddChildNode([]byte("branch2"), []cid.Cid{genesis}, 3)
	require.NoError(t, err)

	cand, err := resolver.CreateMergeCandidate(genesis, []cid.Cid{b2, b1})
	require.NoError(t, err)

	assert.Equal(t, []byte("branch2"), cand.Payload, "the newest head wins")
	assert.Equal(t, uint64(4), cand.Timestamp, "one past the newest head")
	assert.Equal(t, "lww", cand.Policy)
	require.Len(t, cand.Parents, 2)
	assert.True(t, cand.Parents[0].Equals(b1), "parents are ordered ascending by timestamp")
	assert.True(t, cand.Parents[1].Equals(b2))
}

func TestCreateMergeCandidateDeterministicAcrossHeadOrder(t *testing.T) {
	resolver, dag := setupResolver(t)

	genesis, err := dag.AddGenesisNode([]byte("v1"), 1, types.Metadata{})
	require.NoError(t, err)
	b1, err := dag.AddChildNode([]byte("branch1"), []cid.Cid{genesis}, 5)
	require.NoError(t, err)
	b2, err := dag.AddChildNode([]byte("branch2"), []cid.Cid{genesis}, 5)
	require.NoError(t, err)

	a, err := resolver.CreateMergeCandidate(genesis, []cid.Cid{b1, b2})
	require.NoError(t, err)
	b, err := resolver.CreateMergeCandidate(genesis, []cid.Cid{b2, b1})
	require.NoError(t, err)

	assert.Equal(t, a.Payload, b.Payload)
	assert.Equal(t, a.Timestamp, b.Timestamp)
	require.Len(t, b.Parents, 2)
	assert.True(t, a.Parents[0].Equals(b.Parents[0]))
	assert.True(t, a.Parents[1].Equals(b.Parents[1]))

	// the tie goes to the largest CID string, matching the latest lookup
	want := []byte("branch1")
	if b2.String() > b1.String() {
		want = []byte("branch2")
	}
	assert.Equal(t, want, a.Payload)
}

func TestCreateMergeCandidateValidation(t *testing.T) {
	resolver, dag := setupResolver(t)

	genesis, err := dag.AddGenesisNode([]byte("v1"), 1, types.Metadata{})
	require.NoError(t, err)

	_, err = resolver.CreateMergeCandidate(genesis, []cid.Cid{genesis})
	assert.ErrorIs(t, err, ErrNotEnoughHeads)
}

func TestCreateMergeCandidateUnknownPolicy(t *testing.T) {
	resolver, dag := setupResolver(t)

	genesis, err := dag.AddGenesisNode([]byte("v1"), 1, types.Metadata{PolicyType: "nope"})
	require.NoError(t, err)
	b1, err := dag.AddChildNode([]byte("b1"), []cid.Cid{genesis}, 2)
	require.NoError(t, err)
	b2, err := dag.AddChildNode([]byte("b2"), []cid.Cid{genesis}, 3)
	require.NoError(t, err)

	_, err = resolver.CreateMergeCandidate(genesis, []cid.Cid{b1, b2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
