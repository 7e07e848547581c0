// Package graph implements the version DAG of a content series. Nodes are
// immutable and content-addressed, so the graph can only grow forward; the
// engine validates parent links, detects cycles and derives leaves, the
// latest version and history orderings.
package graph

import (
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/types"
)

var (
	// ErrNodeNotFound is returned when a referenced node is absent.
	ErrNodeNotFound = errors.New("node not found")
	// ErrGenesisMismatch is returned when parents belong to different series.
	ErrGenesisMismatch = errors.New("parents belong to different series")
	// ErrCycleDetected is returned when an insert would close a cycle.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrNoParents is returned when a child node names no parents.
	ErrNoParents = errors.New("child node needs at least one parent")
	// ErrEmptySeries is returned when a series has no nodes.
	ErrEmptySeries = errors.New("series has no nodes")
)

// NodeStorage is the persistence surface the DAG engine works against.
type NodeStorage interface {
	PutNode(n types.Node) (cid.Cid, error)
	GetNode(c cid.Cid) (types.Node, error)
	HasNode(c cid.Cid) (bool, error)
	NodesByGenesis(genesis cid.Cid) (map[cid.Cid]types.Node, error)
}

// Entry pairs a node with its CID, the shape history listings are returned in.
type Entry struct {
	CID  cid.Cid
	Node types.Node
}

type DAG struct {
	store NodeStorage
	log   *logrus.Logger
}

func New(store NodeStorage, logger *logrus.Logger) *DAG {
	if logger == nil {
		logger = logrus.New()
	}
	return &DAG{store: store, log: logger}
}

// AddGenesisNode starts a new series and returns its genesis CID.
func (d *DAG) AddGenesisNode(payload []byte, timestamp uint64, meta types.Metadata) (cid.Cid, error) {
	n := types.NewGenesisNode(payload, timestamp, meta)
	c, err := d.store.PutNode(n)
	if err != nil {
		return cid.Undef, fmt.Errorf("error storing genesis node: %w", err)
	}
	d.log.WithField("genesis", c.String()).Debug("series started")
	return c, nil
}

// AddChildNode appends a new version under the given parents. All parents
// must exist and belong to the same series; duplicate parents are dropped,
// keeping first occurrence order. The node's metadata is inherited from the
// series' genesis node.
func (d *DAG) AddChildNode(payload []byte, parents []cid.Cid, timestamp uint64) (cid.Cid, error) {
	parents = dedupeCids(parents)
	if len(parents) == 0 {
		return cid.Undef, ErrNoParents
	}

	var genesis cid.Cid
	for i, p := range parents {
		parent, err := d.store.GetNode(p)
		if err != nil {
			return cid.Undef, fmt.Errorf("parent %s: %w", p, ErrNodeNotFound)
		}
		pg := parent.GenesisOr(p)
		if i == 0 {
			genesis = pg
			continue
		}
		if !pg.Equals(genesis) {
			return cid.Undef, fmt.Errorf("parent %s is rooted at %s, expected %s: %w",
				p, pg, genesis, ErrGenesisMismatch)
		}
	}

	genesisNode, err := d.store.GetNode(genesis)
	if err != nil {
		return cid.Undef, fmt.Errorf("genesis %s: %w", genesis, ErrNodeNotFound)
	}

	n := types.NewChildNode(payload, parents, genesis, timestamp, genesisNode.Meta)

	if err := d.checkAncestryForCycle(n, parents); err != nil {
		return cid.Undef, err
	}

	c, err := d.store.PutNode(n)
	if err != nil {
		return cid.Undef, fmt.Errorf("error storing child node: %w", err)
	}
	return c, nil
}

// checkAncestryForCycle refuses an insert whose derived CID already appears
// among its own ancestors. Content addressing makes this unreachable in
// practice, the walk keeps a corrupted store from growing a loop.
func (d *DAG) checkAncestryForCycle(n types.Node, parents []cid.Cid) error {
	self, err := codec.NodeCID(n)
	if err != nil {
		return err
	}

	visited := mapset.NewSet[cid.Cid]()
	frontier := append([]cid.Cid{}, parents...)
	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if current.Equals(self) {
			return fmt.Errorf("node %s is its own ancestor: %w", self, ErrCycleDetected)
		}
		if !visited.Add(current) {
			continue
		}
		node, err := d.store.GetNode(current)
		if err != nil {
			return fmt.Errorf("ancestor %s: %w", current, ErrNodeNotFound)
		}
		frontier = append(frontier, node.Parents...)
	}
	return nil
}

// Node loads a single node.
func (d *DAG) Node(c cid.Cid) (types.Node, error) {
	n, err := d.store.GetNode(c)
	if err != nil {
		return types.Node{}, err
	}
	return n, nil
}

// NodesByGenesis returns the whole series keyed by CID.
func (d *DAG) NodesByGenesis(genesis cid.Cid) (map[cid.Cid]types.Node, error) {
	return d.store.NodesByGenesis(genesis)
}

// Leaves returns the CIDs of all nodes in the series that no other node
// names as a parent, ordered ascending by (timestamp, CID string).
func (d *DAG) Leaves(genesis cid.Cid) ([]cid.Cid, error) {
	nodes, err := d.store.NodesByGenesis(genesis)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("series %s: %w", genesis, ErrEmptySeries)
	}

	withChildren := mapset.NewSet[cid.Cid]()
	for _, n := range nodes {
		for _, p := range n.Parents {
			withChildren.Add(p)
		}
	}

	var leaves []cid.Cid
	for c := range nodes {
		if !withChildren.Contains(c) {
			leaves = append(leaves, c)
		}
	}
	sortByTimestampThenCID(leaves, nodes)
	return leaves, nil
}

// CalculateLatest returns the current version of the series: the leaf with
// the highest timestamp, ties resolved toward the lexicographically largest
// CID string.
func (d *DAG) CalculateLatest(genesis cid.Cid) (Entry, error) {
	leaves, err := d.Leaves(genesis)
	if err != nil {
		return Entry{}, err
	}

	nodes, err := d.store.NodesByGenesis(genesis)
	if err != nil {
		return Entry{}, err
	}

	best := leaves[0]
	for _, c := range leaves[1:] {
		bn, cn := nodes[best], nodes[c]
		if cn.Timestamp > bn.Timestamp ||
			(cn.Timestamp == bn.Timestamp && c.String() > best.String()) {
			best = c
		}
	}
	return Entry{CID: best, Node: nodes[best]}, nil
}

// History lists the whole series, genesis first, then the remaining nodes
// ascending by (timestamp, CID string).
func (d *DAG) History(genesis cid.Cid) ([]Entry, error) {
	nodes, err := d.store.NodesByGenesis(genesis)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("series %s: %w", genesis, ErrEmptySeries)
	}
	if _, ok := nodes[genesis]; !ok {
		return nil, fmt.Errorf("genesis %s: %w", genesis, ErrNodeNotFound)
	}

	rest := make([]cid.Cid, 0, len(nodes)-1)
	for c := range nodes {
		if !c.Equals(genesis) {
			rest = append(rest, c)
		}
	}
	sortByTimestampThenCID(rest, nodes)

	entries := make([]Entry, 0, len(nodes))
	entries = append(entries, Entry{CID: genesis, Node: nodes[genesis]})
	for _, c := range rest {
		entries = append(entries, Entry{CID: c, Node: nodes[c]})
	}
	return entries, nil
}

// HistoryFromVersion walks first parents from the given version back to the
// genesis and returns the chain oldest first.
func (d *DAG) HistoryFromVersion(c cid.Cid) ([]Entry, error) {
	var chain []Entry
	visited := mapset.NewSet[cid.Cid]()

	current := c
	for {
		if !visited.Add(current) {
			return nil, fmt.Errorf("version %s revisited: %w", current, ErrCycleDetected)
		}
		n, err := d.store.GetNode(current)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", current, ErrNodeNotFound)
		}
		chain = append(chain, Entry{CID: current, Node: n})
		if len(n.Parents) == 0 {
			break
		}
		current = n.Parents[0]
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GenesisOf resolves the genesis CID of the series a version belongs to.
func (d *DAG) GenesisOf(c cid.Cid) (cid.Cid, error) {
	n, err := d.store.GetNode(c)
	if err != nil {
		return cid.Undef, fmt.Errorf("version %s: %w", c, ErrNodeNotFound)
	}
	return n.GenesisOr(c), nil
}

// HasCycle verifies the stored series is acyclic with an iterative DFS.
func (d *DAG) HasCycle(genesis cid.Cid) (bool, error) {
	nodes, err := d.store.NodesByGenesis(genesis)
	if err != nil {
		return false, err
	}

	const (
		inProgress = 1
		done       = 2
	)
	state := make(map[cid.Cid]int, len(nodes))

	type frame struct {
		c    cid.Cid
		next int
	}

	for start := range nodes {
		if state[start] != 0 {
			continue
		}
		stack := []frame{{c: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == 0 {
				state[top.c] = inProgress
			}
			parents := nodes[top.c].Parents
			if top.next >= len(parents) {
				state[top.c] = done
				stack = stack[:len(stack)-1]
				continue
			}
			p := parents[top.next]
			top.next++
			switch state[p] {
			case inProgress:
				return true, nil
			case done:
				continue
			default:
				if _, ok := nodes[p]; ok {
					stack = append(stack, frame{c: p})
				}
			}
		}
	}
	return false, nil
}

func dedupeCids(cids []cid.Cid) []cid.Cid {
	seen := mapset.NewSet[cid.Cid]()
	out := make([]cid.Cid, 0, len(cids))
	for _, c := range cids {
		if seen.Add(c) {
			out = append(out, c)
		}
	}
	return out
}

func sortByTimestampThenCID(cids []cid.Cid, nodes map[cid.Cid]types.Node) {
	sort.Slice(cids, func(i, j int) bool {
		a, b := nodes[cids[i]], nodes[cids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return cids[i].String() < cids[j].String()
	})
}
