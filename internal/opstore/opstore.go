// Package opstore persists the append-only operation log of every series.
// Operations are idempotent by ID; appending a known ID fails rather than
// silently overwriting.
package opstore

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/internal/keyValStore"
	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/types"
)

var (
	// ErrDuplicateOperation is returned when an operation ID was already
	// appended to its series' log.
	ErrDuplicateOperation = errors.New("duplicate operation")
	// ErrOperationNotFound is returned when no operation matches.
	ErrOperationNotFound = errors.New("operation not found")
)

var opKeyPrefix = []byte("op:")

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

func opKey(genesis cid.Cid, id string) []byte {
	key := append(append([]byte{}, opKeyPrefix...), genesis.Bytes()...)
	key = append(key, ':')
	return append(key, id...)
}

// Append adds op to its series' log. The operation ID must be new.
func (s *Store) Append(op types.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation has no id")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("operation %s has unknown kind %d", op.ID, op.Kind)
	}

	key := opKey(op.Genesis, op.ID)
	exists, err := s.kv.Has(key)
	if err != nil {
		return fmt.Errorf("error checking operation %s: %w", op.ID, err)
	}
	if exists {
		return fmt.Errorf("operation %s: %w", op.ID, ErrDuplicateOperation)
	}

	data, err := codec.EncodeOperation(op)
	if err != nil {
		return err
	}
	if err := s.kv.Write(key, data); err != nil {
		return fmt.Errorf("error appending operation %s: %w", op.ID, err)
	}

	s.log.WithFields(logrus.Fields{
		"id":      op.ID,
		"kind":    op.Kind.String(),
		"genesis": op.Genesis.String(),
	}).Debug("operation appended")
	return nil
}

// Get loads one operation of a series by ID.
func (s *Store) Get(genesis cid.Cid, id string) (types.Operation, error) {
	data, err := s.kv.Read(opKey(genesis, id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return types.Operation{}, fmt.Errorf("operation %s: %w", id, ErrOperationNotFound)
		}
		return types.Operation{}, fmt.Errorf("error loading operation %s: %w", id, err)
	}
	op, err := codec.DecodeOperation(data)
	if err != nil {
		return types.Operation{}, fmt.Errorf("error decoding operation %s: %w", id, err)
	}
	return op, nil
}

// Has reports whether an operation ID is present in a series' log.
func (s *Store) Has(genesis cid.Cid, id string) (bool, error) {
	ok, err := s.kv.Has(opKey(genesis, id))
	if err != nil {
		return false, fmt.Errorf("error checking operation %s: %w", id, err)
	}
	return ok, nil
}

// ByGenesis returns the full log of a series in canonical
// (timestamp, author, id) order.
func (s *Store) ByGenesis(genesis cid.Cid) ([]types.Operation, error) {
	prefix := append(append([]byte{}, opKeyPrefix...), genesis.Bytes()...)
	prefix = append(prefix, ':')

	items, err := s.kv.GetItemsWithPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("error scanning log of %s: %w", genesis, err)
	}

	ops := make([]types.Operation, 0, len(items))
	for _, kv := range items {
		op, err := codec.DecodeOperation(kv[1])
		if err != nil {
			return nil, fmt.Errorf("error decoding log entry: %w", err)
		}
		ops = append(ops, op)
	}

	types.SortOperations(ops)
	return ops, nil
}
