package crsl

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/internal/keyValStore"
	"github.com/crsl-io/crsl/internal/opstore"
	"github.com/crsl-io/crsl/pkg/convergence"
	"github.com/crsl-io/crsl/pkg/crdt"
	"github.com/crsl-io/crsl/pkg/graph"
	"github.com/crsl-io/crsl/pkg/hlc"
	"github.com/crsl-io/crsl/pkg/types"
)

var (
	// ErrExternalMerge is returned when a merge operation is committed from
	// outside; merge nodes are only produced by the convergence pass.
	ErrExternalMerge = errors.New("merge operations cannot be committed directly")
	// ErrNoAuthor is returned when neither the operation nor the config
	// names an author.
	ErrNoAuthor = errors.New("operation has no author")
)

// AutoMergeAuthor is stamped on operations the convergence pass commits.
const AutoMergeAuthor = "auto-merge"

// Repository ties the DAG, the operation log and the convergence layer
// together behind one handle.
type Repository struct {
	cfg      Config
	log      *logrus.Logger
	nodesKV  *keyValStore.KeyValStore
	opsKV    *keyValStore.KeyValStore
	dag      *graph.DAG
	state    *crdt.State
	resolver *convergence.Resolver
	registry *convergence.Registry
	clock    *hlc.Clock
}

// Close flushes and closes the underlying stores.
func (r *Repository) Close() error {
	nodesErr := r.nodesKV.Close()
	opsErr := r.opsKV.Close()
	if nodesErr != nil {
		return nodesErr
	}
	return opsErr
}

// RegisterPolicy makes a custom merge policy selectable by series metadata.
func (r *Repository) RegisterPolicy(p convergence.MergePolicy) {
	r.registry.Register(p)
}

// Create starts a new series with the given payload and metadata and returns
// its genesis CID.
func (r *Repository) Create(payload []byte, meta types.Metadata) (cid.Cid, error) {
	op := types.NewOperation(cid.Undef, types.OpCreate, payload, r.cfg.Author, r.clock.Now())
	return r.commitOperation(op, meta, false)
}

// Update appends a new version to a series and returns the new version CID.
func (r *Repository) Update(genesis cid.Cid, payload []byte) (cid.Cid, error) {
	op := types.NewOperation(genesis, types.OpUpdate, payload, r.cfg.Author, r.clock.Now())
	return r.commitOperation(op, types.Metadata{}, false)
}

// UpdateAt appends a new version branching from an explicit parent version
// instead of the current latest, the way a concurrent edit from another
// writer lands. If the branch diverges the series, the convergence pass
// merges the open heads as part of the commit.
func (r *Repository) UpdateAt(genesis cid.Cid, parent cid.Cid, payload []byte) (cid.Cid, error) {
	op := types.NewOperation(genesis, types.OpUpdate, payload, r.cfg.Author, r.clock.Now())
	if err := r.fillDefaults(&op); err != nil {
		return cid.Undef, err
	}

	version, err := r.dag.AddChildNode(payload, []cid.Cid{parent}, op.Timestamp)
	if err != nil {
		return cid.Undef, err
	}
	if err := r.state.ApplyWithValidation(op); err != nil {
		return cid.Undef, err
	}
	if err := r.checkAndMerge(genesis); err != nil {
		return cid.Undef, err
	}
	return version, nil
}

// Delete marks a series as deleted and returns the tombstone version CID.
func (r *Repository) Delete(genesis cid.Cid) (cid.Cid, error) {
	op := types.NewOperation(genesis, types.OpDelete, nil, r.cfg.Author, r.clock.Now())
	return r.commitOperation(op, types.Metadata{}, false)
}

// CommitOperation commits a caller-built operation. Missing IDs, timestamps
// and authors are filled from the handle; merge operations are refused.
// It returns the CID of the version node the operation produced, which for a
// create operation is the genesis CID of the new series.
func (r *Repository) CommitOperation(op types.Operation) (cid.Cid, error) {
	return r.commitOperation(op, types.Metadata{}, false)
}

func (r *Repository) fillDefaults(op *types.Operation) error {
	if op.ID == "" {
		filled := types.NewOperation(op.Genesis, op.Kind, op.Payload, op.Author, op.Timestamp)
		op.ID = filled.ID
	}
	if op.Timestamp == 0 {
		op.Timestamp = r.clock.Now()
	}
	if op.Author == "" {
		op.Author = r.cfg.Author
	}
	if op.Author == "" {
		return ErrNoAuthor
	}
	return nil
}

// commitOperation writes the version node for an operation, appends the
// operation to the series' log, and unless skipAutoMerge is set runs the
// convergence pass. The merge the pass commits re-enters with skipAutoMerge
// set; one level of re-entry always converges the series because a merge
// node closes every open head.
func (r *Repository) commitOperation(op types.Operation, meta types.Metadata, skipAutoMerge bool) (cid.Cid, error) {
	if op.Kind == types.OpMerge && !skipAutoMerge {
		return cid.Undef, ErrExternalMerge
	}
	if err := r.fillDefaults(&op); err != nil {
		return cid.Undef, err
	}
	if op.Kind != types.OpCreate {
		logged, err := r.state.Operations(op.Genesis)
		if err != nil {
			return cid.Undef, err
		}
		for i := range logged {
			if logged[i].ID == op.ID {
				return cid.Undef, fmt.Errorf("operation %s: %w", op.ID, opstore.ErrDuplicateOperation)
			}
		}
	}

	var version cid.Cid
	var err error
	switch op.Kind {
	case types.OpCreate:
		version, err = r.commitCreate(&op, meta)
	case types.OpUpdate:
		version, err = r.commitUpdate(&op)
	case types.OpDelete:
		version, err = r.commitDelete(&op)
	case types.OpMerge:
		// the merge node itself was already written by the convergence pass
		if err = r.state.ApplyWithValidation(op); err == nil {
			var latest graph.Entry
			if latest, err = r.dag.CalculateLatest(op.Genesis); err == nil {
				version = latest.CID
			}
		}
	default:
		return cid.Undef, fmt.Errorf("operation %s: unknown kind %d: %w",
			op.ID, op.Kind, crdt.ErrInvalidOperation)
	}
	if err != nil {
		return cid.Undef, err
	}

	if !skipAutoMerge && op.Kind != types.OpCreate {
		if err := r.checkAndMerge(op.Genesis); err != nil {
			return cid.Undef, err
		}
	}
	return version, nil
}

// commitCreate writes the genesis node, then rewrites the operation's
// genesis to the new CID before appending it.
func (r *Repository) commitCreate(op *types.Operation, meta types.Metadata) (cid.Cid, error) {
	genesis, err := r.dag.AddGenesisNode(op.Payload, op.Timestamp, meta)
	if err != nil {
		return cid.Undef, err
	}

	op.Genesis = genesis
	if err := r.state.Apply(*op); err != nil {
		return cid.Undef, err
	}

	r.log.WithFields(logrus.Fields{
		"genesis": genesis.String(),
		"author":  op.Author,
	}).Info("series created")
	return genesis, nil
}

// commitUpdate writes a child of the current latest version, then appends
// the operation. The node is written first so the log never references a
// missing version.
func (r *Repository) commitUpdate(op *types.Operation) (cid.Cid, error) {
	latest, err := r.dag.CalculateLatest(op.Genesis)
	if err != nil {
		return cid.Undef, err
	}

	version, err := r.dag.AddChildNode(op.Payload, []cid.Cid{latest.CID}, op.Timestamp)
	if err != nil {
		return cid.Undef, err
	}

	if err := r.state.ApplyWithValidation(*op); err != nil {
		return cid.Undef, err
	}
	return version, nil
}

// commitDelete writes a tombstone version carrying the payload of the last
// non-delete operation in the log, so history keeps the last visible value.
func (r *Repository) commitDelete(op *types.Operation) (cid.Cid, error) {
	latest, err := r.dag.CalculateLatest(op.Genesis)
	if err != nil {
		return cid.Undef, err
	}

	logged, err := r.state.Operations(op.Genesis)
	if err != nil {
		return cid.Undef, err
	}
	var lastPayload []byte
	for i := len(logged) - 1; i >= 0; i-- {
		if !logged[i].IsTombstone() {
			lastPayload = logged[i].Payload
			break
		}
	}

	version, err := r.dag.AddChildNode(lastPayload, []cid.Cid{latest.CID}, op.Timestamp)
	if err != nil {
		return cid.Undef, err
	}

	if err := r.state.ApplyWithValidation(*op); err != nil {
		return cid.Undef, err
	}

	r.log.WithField("genesis", op.Genesis.String()).Info("series deleted")
	return version, nil
}

// checkAndMerge converges a series whose DAG has diverged into several
// heads. The resolved merge node is written directly and its operation is
// committed with the re-entry guard set.
func (r *Repository) checkAndMerge(genesis cid.Cid) error {
	heads, err := r.dag.Leaves(genesis)
	if err != nil {
		return err
	}
	if len(heads) < 2 {
		return nil
	}

	candidate, err := r.resolver.CreateMergeCandidate(genesis, heads)
	if err != nil {
		return err
	}

	merged, err := r.dag.AddChildNode(candidate.Payload, candidate.Parents, candidate.Timestamp)
	if err != nil {
		return err
	}

	op := types.NewOperation(genesis, types.OpMerge, candidate.Payload, AutoMergeAuthor, candidate.Timestamp)
	if _, err := r.commitOperation(op, types.Metadata{}, true); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"genesis": genesis.String(),
		"heads":   len(heads),
		"merged":  merged.String(),
		"policy":  candidate.Policy,
	}).Info("series auto-merged")
	return nil
}

// Latest returns the current version of a series.
func (r *Repository) Latest(genesis cid.Cid) (graph.Entry, error) {
	return r.dag.CalculateLatest(genesis)
}

// Heads returns the open heads of a series. More than one head means the
// series has diverged and the next commit will converge it.
func (r *Repository) Heads(genesis cid.Cid) ([]cid.Cid, error) {
	return r.dag.Leaves(genesis)
}

// GetState projects the current value of a series from its operation log.
func (r *Repository) GetState(genesis cid.Cid) (crdt.Projection, error) {
	return r.state.GetState(genesis)
}

// GetNode loads a single version node.
func (r *Repository) GetNode(c cid.Cid) (types.Node, error) {
	return r.dag.Node(c)
}

// GetHistory lists a series genesis first, remaining versions ascending by
// timestamp.
func (r *Repository) GetHistory(genesis cid.Cid) ([]graph.Entry, error) {
	return r.dag.History(genesis)
}

// HistoryFromVersion walks first parents from a version back to the genesis,
// oldest first.
func (r *Repository) HistoryFromVersion(c cid.Cid) ([]graph.Entry, error) {
	return r.dag.HistoryFromVersion(c)
}

// GenesisOf resolves which series a version belongs to.
func (r *Repository) GenesisOf(c cid.Cid) (cid.Cid, error) {
	return r.dag.GenesisOf(c)
}

// Operations returns a series' operation log in canonical order.
func (r *Repository) Operations(genesis cid.Cid) ([]types.Operation, error) {
	return r.state.Operations(genesis)
}
