// Package codec defines the canonical wire encoding of nodes and operations
// and derives their content identifiers. Identity is the CID of the
// deterministic CBOR encoding, so two structurally equal values always map to
// the same CID regardless of which process encoded them.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/crsl-io/crsl/pkg/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build deterministic cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build cbor decoder: %v", err))
	}
}

// nodeWire is the fixed on-wire shape of a node. Field numbers are part of
// the format and must never be reordered or reused.
type nodeWire struct {
	Payload   []byte   `cbor:"1,keyasint"`
	Parents   [][]byte `cbor:"2,keyasint"`
	Genesis   []byte   `cbor:"3,keyasint"`
	Timestamp uint64   `cbor:"4,keyasint"`
	Policy    string   `cbor:"5,keyasint"`
}

// opWire is the fixed on-wire shape of an operation.
type opWire struct {
	ID        string `cbor:"1,keyasint"`
	Genesis   []byte `cbor:"2,keyasint"`
	Kind      uint8  `cbor:"3,keyasint"`
	Payload   []byte `cbor:"4,keyasint"`
	Timestamp uint64 `cbor:"5,keyasint"`
	Author    string `cbor:"6,keyasint"`
}

// EncodeNode serializes a node into its canonical byte form.
func EncodeNode(n types.Node) ([]byte, error) {
	w := nodeWire{
		Payload:   n.Payload,
		Timestamp: n.Timestamp,
		Policy:    n.Meta.PolicyType,
	}
	if len(n.Parents) > 0 {
		w.Parents = make([][]byte, len(n.Parents))
		for i, p := range n.Parents {
			w.Parents[i] = p.Bytes()
		}
	}
	if n.Genesis != nil {
		w.Genesis = n.Genesis.Bytes()
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node: %w", err)
	}
	return data, nil
}

// DecodeNode parses canonical node bytes back into a node.
func DecodeNode(data []byte) (types.Node, error) {
	var w nodeWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return types.Node{}, fmt.Errorf("failed to decode node: %w", err)
	}
	n := types.Node{
		Payload:   w.Payload,
		Timestamp: w.Timestamp,
		Meta:      types.Metadata{PolicyType: w.Policy},
	}
	if len(w.Parents) > 0 {
		n.Parents = make([]cid.Cid, len(w.Parents))
		for i, raw := range w.Parents {
			c, err := cid.Cast(raw)
			if err != nil {
				return types.Node{}, fmt.Errorf("failed to decode node parent %d: %w", i, err)
			}
			n.Parents[i] = c
		}
	}
	if len(w.Genesis) > 0 {
		g, err := cid.Cast(w.Genesis)
		if err != nil {
			return types.Node{}, fmt.Errorf("failed to decode node genesis: %w", err)
		}
		n.Genesis = &g
	}
	return n, nil
}

// NodeCID derives the content identifier of a node from its canonical bytes.
func NodeCID(n types.Node) (cid.Cid, error) {
	data, err := EncodeNode(n)
	if err != nil {
		return cid.Undef, err
	}
	return CIDForBytes(data)
}

// EncodeOperation serializes an operation into its canonical byte form.
func EncodeOperation(op types.Operation) ([]byte, error) {
	if !op.Kind.Valid() {
		return nil, fmt.Errorf("failed to encode operation: unknown kind %d", op.Kind)
	}
	w := opWire{
		ID:        op.ID,
		Genesis:   op.Genesis.Bytes(),
		Kind:      uint8(op.Kind),
		Payload:   op.Payload,
		Timestamp: op.Timestamp,
		Author:    op.Author,
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}
	return data, nil
}

// DecodeOperation parses canonical operation bytes back into an operation.
func DecodeOperation(data []byte) (types.Operation, error) {
	var w opWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return types.Operation{}, fmt.Errorf("failed to decode operation: %w", err)
	}
	kind := types.OperationKind(w.Kind)
	if !kind.Valid() {
		return types.Operation{}, fmt.Errorf("failed to decode operation: unknown kind %d", w.Kind)
	}
	genesis, err := cid.Cast(w.Genesis)
	if err != nil {
		return types.Operation{}, fmt.Errorf("failed to decode operation genesis: %w", err)
	}
	return types.Operation{
		ID:        w.ID,
		Genesis:   genesis,
		Kind:      kind,
		Payload:   w.Payload,
		Timestamp: w.Timestamp,
		Author:    w.Author,
	}, nil
}

// OperationCID derives the content identifier of an operation.
func OperationCID(op types.Operation) (cid.Cid, error) {
	data, err := EncodeOperation(op)
	if err != nil {
		return cid.Undef, err
	}
	return CIDForBytes(data)
}

// CIDForBytes hashes data with SHA2-256 and wraps it as a CIDv1 raw block.
func CIDForBytes(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash block: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ParseCID parses the default string form of a CID.
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse cid %q: %w", s, err)
	}
	return c, nil
}
