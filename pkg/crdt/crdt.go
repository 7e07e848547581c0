// Package crdt maintains the append-only operation log of a series and
// projects its current value with a last-writer-wins rule. Operations
// commute: any interleaving of the same set of operations projects the same
// value, because the projection only depends on the canonical
// (timestamp, author, id) order.
package crdt

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/pkg/types"
)

var (
	// ErrInvalidOperation is returned for operations that fail structural
	// validation.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrMissingCreate is returned when an update or delete targets a series
	// whose log holds no create operation.
	ErrMissingCreate = errors.New("series has no create operation")
)

// OperationStorage is the persistence surface the state works against.
type OperationStorage interface {
	Append(op types.Operation) error
	ByGenesis(genesis cid.Cid) ([]types.Operation, error)
	Has(genesis cid.Cid, id string) (bool, error)
}

// Projection is the derived current value of a series.
type Projection struct {
	Exists  bool
	Payload []byte
	Winner  types.Operation
}

type State struct {
	ops OperationStorage
	log *logrus.Logger
}

func NewState(ops OperationStorage, logger *logrus.Logger) *State {
	if logger == nil {
		logger = logrus.New()
	}
	return &State{ops: ops, log: logger}
}

func validate(op *types.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation has no id: %w", ErrInvalidOperation)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("operation %s has unknown kind %d: %w", op.ID, op.Kind, ErrInvalidOperation)
	}
	if !op.Genesis.Defined() {
		return fmt.Errorf("operation %s has no genesis: %w", op.ID, ErrInvalidOperation)
	}
	if op.Author == "" {
		return fmt.Errorf("operation %s has no author: %w", op.ID, ErrInvalidOperation)
	}
	if op.Kind == types.OpDelete && op.Payload != nil {
		return fmt.Errorf("delete operation %s carries a payload: %w", op.ID, ErrInvalidOperation)
	}
	if op.Kind != types.OpDelete && op.Payload == nil {
		return fmt.Errorf("%s operation %s carries no payload: %w", op.Kind, op.ID, ErrInvalidOperation)
	}
	return nil
}

// Apply validates an operation structurally and appends it to its series'
// log.
func (s *State) Apply(op types.Operation) error {
	if err := validate(&op); err != nil {
		return err
	}
	if err := s.ops.Append(op); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"id":   op.ID,
		"kind": op.Kind.String(),
	}).Debug("operation applied")
	return nil
}

// ApplyWithValidation additionally requires that updates, deletes and merges
// target a series whose log already holds a create operation.
func (s *State) ApplyWithValidation(op types.Operation) error {
	if err := validate(&op); err != nil {
		return err
	}

	if op.Kind != types.OpCreate {
		ops, err := s.ops.ByGenesis(op.Genesis)
		if err != nil {
			return err
		}
		created := false
		for i := range ops {
			if ops[i].Kind == types.OpCreate {
				created = true
				break
			}
		}
		if !created {
			return fmt.Errorf("operation %s targets %s: %w", op.ID, op.Genesis, ErrMissingCreate)
		}
	}

	return s.Apply(op)
}

// Operations returns the series' log in canonical order.
func (s *State) Operations(genesis cid.Cid) ([]types.Operation, error) {
	return s.ops.ByGenesis(genesis)
}

// GetState projects the current value of the series. The winner is the last
// operation in canonical (timestamp, author, id) order; a winning delete
// projects absence.
func (s *State) GetState(genesis cid.Cid) (Projection, error) {
	ops, err := s.ops.ByGenesis(genesis)
	if err != nil {
		return Projection{}, err
	}
	if len(ops) == 0 {
		return Projection{}, nil
	}

	winner := ops[len(ops)-1]
	if winner.IsTombstone() {
		return Projection{Winner: winner}, nil
	}
	return Projection{
		Exists:  true,
		Payload: winner.Payload,
		Winner:  winner,
	}, nil
}
