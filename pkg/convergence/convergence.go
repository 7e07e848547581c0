// Package convergence turns a set of concurrent heads into one merge
// candidate. Which payload survives is decided by the merge policy named in
// the series' genesis metadata; the shape of the merge node itself is fixed
// so that every replica derives the identical candidate from the same heads.
package convergence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/pkg/graph"
	"github.com/crsl-io/crsl/pkg/types"
)

var (
	// ErrUnknownPolicy is returned when a series names a merge policy no
	// registry entry matches.
	ErrUnknownPolicy = errors.New("unknown merge policy")
	// ErrNotEnoughHeads is returned when fewer than two heads are offered.
	ErrNotEnoughHeads = errors.New("merge needs at least two heads")
	// ErrNoInputs is returned by policies invoked without inputs.
	ErrNoInputs = errors.New("no inputs to resolve")
)

// ResolveInput is one concurrent head presented to a merge policy. Inputs
// always arrive sorted ascending by (timestamp, CID string).
type ResolveInput struct {
	CID       cid.Cid
	Payload   []byte
	Timestamp uint64
}

// MergePolicy decides which payload a merge node carries.
type MergePolicy interface {
	Name() string
	Resolve(inputs []ResolveInput) ([]byte, error)
}

// LwwMergePolicy keeps the payload of the newest head. Ties on timestamp go
// to the last input, which by the input ordering is the head with the
// largest CID string, the same head a latest-version lookup would pick.
type LwwMergePolicy struct{}

func (LwwMergePolicy) Name() string { return types.DefaultPolicy }

func (LwwMergePolicy) Resolve(inputs []ResolveInput) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	best := inputs[0]
	for _, in := range inputs[1:] {
		if in.Timestamp >= best.Timestamp {
			best = in
		}
	}
	return best.Payload, nil
}

// Registry maps policy names to implementations.
type Registry struct {
	policies map[string]MergePolicy
}

// NewRegistry returns a registry with the built-in policies registered.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]MergePolicy)}
	r.Register(LwwMergePolicy{})
	return r
}

// Register adds or replaces a policy under its own name.
func (r *Registry) Register(p MergePolicy) {
	r.policies[p.Name()] = p
}

// Create returns the policy registered under name. An empty name selects the
// default policy.
func (r *Registry) Create(name string) (MergePolicy, error) {
	if name == "" {
		name = types.DefaultPolicy
	}
	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", name, ErrUnknownPolicy)
	}
	return p, nil
}

// Candidate is a fully determined merge node waiting to be committed.
type Candidate struct {
	Payload   []byte
	Parents   []cid.Cid
	Timestamp uint64
	Policy    string
}

// Resolver builds merge candidates for diverged series.
type Resolver struct {
	dag      *graph.DAG
	registry *Registry
	log      *logrus.Logger
}

func NewResolver(dag *graph.DAG, registry *Registry, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{dag: dag, registry: registry, log: logger}
}

// CreateMergeCandidate resolves the given concurrent heads of a series into
// one merge candidate. The candidate's parents are the heads in ascending
// (timestamp, CID string) order and its timestamp is one past the newest
// head, so replicas resolving the same heads derive the same node.
func (r *Resolver) CreateMergeCandidate(genesis cid.Cid, heads []cid.Cid) (Candidate, error) {
	if len(heads) < 2 {
		return Candidate{}, ErrNotEnoughHeads
	}

	genesisNode, err := r.dag.Node(genesis)
	if err != nil {
		return Candidate{}, fmt.Errorf("error loading genesis %s: %w", genesis, err)
	}

	policy, err := r.registry.Create(genesisNode.Meta.Policy())
	if err != nil {
		return Candidate{}, err
	}

	inputs := make([]ResolveInput, 0, len(heads))
	var maxTimestamp uint64
	for _, h := range heads {
		n, err := r.dag.Node(h)
		if err != nil {
			return Candidate{}, fmt.Errorf("error loading head %s: %w", h, err)
		}
		inputs = append(inputs, ResolveInput{CID: h, Payload: n.Payload, Timestamp: n.Timestamp})
		if n.Timestamp > maxTimestamp {
			maxTimestamp = n.Timestamp
		}
	}

	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].Timestamp != inputs[j].Timestamp {
			return inputs[i].Timestamp < inputs[j].Timestamp
		}
		return inputs[i].CID.String() < inputs[j].CID.String()
	})

	payload, err := policy.Resolve(inputs)
	if err != nil {
		return Candidate{}, fmt.Errorf("policy %s failed: %w", policy.Name(), err)
	}

	parents := make([]cid.Cid, len(inputs))
	for i, in := range inputs {
		parents[i] = in.CID
	}

	r.log.WithFields(logrus.Fields{
		"genesis": genesis.String(),
		"heads":   len(heads),
		"policy":  policy.Name(),
	}).Debug("merge candidate resolved")

	return Candidate{
		Payload:   payload,
		Parents:   parents,
		Timestamp: maxTimestamp + 1,
		Policy:    policy.Name(),
	}, nil
}
