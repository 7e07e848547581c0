// Package nodestore persists nodes by their CID and maintains a secondary
// index from genesis CID to the set of nodes in that series.
package nodestore

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/internal/keyValStore"
	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/types"
)

// ErrNodeNotFound is returned when no node is stored under a CID.
var ErrNodeNotFound = errors.New("node not found")

var (
	nodeKeyPrefix    = []byte("node:")
	genesisKeyPrefix = []byte("gidx:")
)

type Store struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func New(kv *keyValStore.KeyValStore, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{kv: kv, log: logger}
}

func nodeKey(c cid.Cid) []byte {
	return append(append([]byte{}, nodeKeyPrefix...), c.Bytes()...)
}

func genesisIndexKey(genesis, node cid.Cid) []byte {
	key := append(append([]byte{}, genesisKeyPrefix...), genesis.Bytes()...)
	return append(key, node.Bytes()...)
}

// PutNode stores a node under its derived CID and indexes it by genesis. Writing
// the same node twice is a no-op returning the same CID.
func (s *Store) PutNode(n types.Node) (cid.Cid, error) {
	data, err := codec.EncodeNode(n)
	if err != nil {
		return cid.Undef, err
	}
	c, err := codec.CIDForBytes(data)
	if err != nil {
		return cid.Undef, err
	}

	exists, err := s.kv.Has(nodeKey(c))
	if err != nil {
		return cid.Undef, fmt.Errorf("error checking node %s: %w", c, err)
	}
	if exists {
		return c, nil
	}

	if err := s.kv.Write(nodeKey(c), data); err != nil {
		return cid.Undef, fmt.Errorf("error storing node %s: %w", c, err)
	}

	genesis := n.GenesisOr(c)
	if err := s.kv.Write(genesisIndexKey(genesis, c), nil); err != nil {
		return cid.Undef, fmt.Errorf("error indexing node %s: %w", c, err)
	}

	s.log.WithFields(logrus.Fields{
		"cid":     c.String(),
		"genesis": genesis.String(),
	}).Debug("node stored")
	return c, nil
}

// GetNode loads the node stored under c.
func (s *Store) GetNode(c cid.Cid) (types.Node, error) {
	data, err := s.kv.Read(nodeKey(c))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return types.Node{}, fmt.Errorf("node %s: %w", c, ErrNodeNotFound)
		}
		return types.Node{}, fmt.Errorf("error loading node %s: %w", c, err)
	}
	n, err := codec.DecodeNode(data)
	if err != nil {
		return types.Node{}, fmt.Errorf("error decoding node %s: %w", c, err)
	}
	return n, nil
}

// HasNode reports whether a node is stored under c.
func (s *Store) HasNode(c cid.Cid) (bool, error) {
	ok, err := s.kv.Has(nodeKey(c))
	if err != nil {
		return false, fmt.Errorf("error checking node %s: %w", c, err)
	}
	return ok, nil
}

// NodesByGenesis returns every stored node of the series rooted at genesis,
// keyed by CID.
func (s *Store) NodesByGenesis(genesis cid.Cid) (map[cid.Cid]types.Node, error) {
	prefix := append(append([]byte{}, genesisKeyPrefix...), genesis.Bytes()...)
	keys, err := s.kv.GetKeysWithPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("error scanning series %s: %w", genesis, err)
	}

	nodes := make(map[cid.Cid]types.Node, len(keys))
	for _, key := range keys {
		c, err := cid.Cast(key[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("error parsing index entry: %w", err)
		}
		n, err := s.GetNode(c)
		if err != nil {
			return nil, err
		}
		nodes[c] = n
	}
	return nodes, nil
}
