package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
)

// DefaultPolicy is the merge policy assumed when node metadata names none.
const DefaultPolicy = "lww"

// Metadata travels with every node of a series. The genesis node's metadata
// decides which merge policy resolves concurrent heads for the whole series.
type Metadata struct {
	PolicyType string
}

// Policy returns the configured policy name, falling back to DefaultPolicy.
func (m Metadata) Policy() string {
	if m.PolicyType == "" {
		return DefaultPolicy
	}
	return m.PolicyType
}

// Node represents one immutable version of a content series. Its identity is
// the CID of its canonical encoding over Payload, Parents, Genesis, Timestamp
// and Meta. A genesis node has no parents and a nil Genesis; every other node
// points at one or more parents within the same series. A node with two or
// more parents is a merge node by construction, there is no stored flag.
type Node struct {
	Payload   []byte
	Parents   []cid.Cid
	Genesis   *cid.Cid // nil iff this node is a genesis node
	Timestamp uint64
	Meta      Metadata
}

// NewGenesisNode builds the first node of a new series.
func NewGenesisNode(payload []byte, timestamp uint64, meta Metadata) Node {
	return Node{
		Payload:   payload,
		Timestamp: timestamp,
		Meta:      meta,
	}
}

// NewChildNode builds a successor node within the series rooted at genesis.
func NewChildNode(payload []byte, parents []cid.Cid, genesis cid.Cid, timestamp uint64, meta Metadata) Node {
	g := genesis
	return Node{
		Payload:   payload,
		Parents:   parents,
		Genesis:   &g,
		Timestamp: timestamp,
		Meta:      meta,
	}
}

func (n *Node) IsGenesis() bool {
	return n.Genesis == nil && len(n.Parents) == 0
}

func (n *Node) IsMerge() bool {
	return len(n.Parents) >= 2
}

// GenesisOr returns the genesis CID of the node's series. A genesis node
// carries no back-pointer to itself, so callers pass the node's own CID.
func (n *Node) GenesisOr(self cid.Cid) cid.Cid {
	if n.Genesis == nil {
		return self
	}
	return *n.Genesis
}

// Equal reports field-wise equality of two nodes.
func (n *Node) Equal(other *Node) bool {
	if other == nil {
		return false
	}
	if !bytes.Equal(n.Payload, other.Payload) {
		return false
	}
	if len(n.Parents) != len(other.Parents) {
		return false
	}
	for i := range n.Parents {
		if !n.Parents[i].Equals(other.Parents[i]) {
			return false
		}
	}
	if (n.Genesis == nil) != (other.Genesis == nil) {
		return false
	}
	if n.Genesis != nil && !n.Genesis.Equals(*other.Genesis) {
		return false
	}
	return n.Timestamp == other.Timestamp && n.Meta == other.Meta
}

// OperationKind classifies an operation in a series' log.
type OperationKind uint8

const (
	OpCreate OperationKind = iota
	OpUpdate
	OpDelete
	OpMerge
)

func (k OperationKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMerge:
		return "merge"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k OperationKind) Valid() bool {
	return k <= OpMerge
}

func (k OperationKind) Bytes() []byte {
	return []byte{byte(k)}
}

func (k *OperationKind) FromBytes(b []byte) error {
	if len(b) != 1 {
		return fmt.Errorf("operation kind must be 1 byte, got %d", len(b))
	}
	kind := OperationKind(b[0])
	if !kind.Valid() {
		return fmt.Errorf("unknown operation kind %d", b[0])
	}
	*k = kind
	return nil
}

// Operation records one intent against a series. Operations are append-only;
// the projected state of a series is derived by replaying its log in the
// canonical (Timestamp, Author, ID) order.
type Operation struct {
	ID        string
	Genesis   cid.Cid
	Kind      OperationKind
	Payload   []byte // nil for delete operations
	Timestamp uint64
	Author    string
}

// NewOperation builds an operation with a fresh random ID.
func NewOperation(genesis cid.Cid, kind OperationKind, payload []byte, author string, timestamp uint64) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Genesis:   genesis,
		Kind:      kind,
		Payload:   payload,
		Timestamp: timestamp,
		Author:    author,
	}
}

func (o *Operation) IsTombstone() bool {
	return o.Kind == OpDelete
}

// CompareOperations orders operations ascending by (Timestamp, Author, ID).
// The last operation under this order wins last-writer-wins projection.
func CompareOperations(a, b *Operation) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Author != b.Author {
		if a.Author < b.Author {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// SortOperations sorts ops in place into the canonical log order.
func SortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return CompareOperations(&ops[i], &ops[j]) < 0
	})
}
