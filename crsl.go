// Package crsl is a content-versioning engine: every value is a series of
// immutable, content-addressed versions forming a DAG, changes are recorded
// in a per-series operation log, and concurrent branches converge through a
// pluggable merge policy.
package crsl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/crsl-io/crsl/internal/keyValStore"
	"github.com/crsl-io/crsl/internal/nodestore"
	"github.com/crsl-io/crsl/internal/opstore"
	"github.com/crsl-io/crsl/pkg/convergence"
	"github.com/crsl-io/crsl/pkg/crdt"
	"github.com/crsl-io/crsl/pkg/graph"
	"github.com/crsl-io/crsl/pkg/hlc"
)

var (
	// ErrNotRepository is returned when Open is pointed at a directory that
	// was never initialized.
	ErrNotRepository = errors.New("directory is not a repository")
	// ErrAlreadyRepository is returned when Init targets an initialized
	// directory.
	ErrAlreadyRepository = errors.New("directory is already a repository")
)

const (
	markerFile    = ".crsl"
	markerContent = "crsl repository v1\n"
	nodesDir      = "nodes"
	opsDir        = "ops"
)

// Init creates the on-disk layout of a new repository: a marker file and one
// store directory each for nodes and operations.
func Init(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("error creating repository directory: %w", err)
	}

	marker := filepath.Join(path, markerFile)
	if _, err := os.Stat(marker); err == nil {
		return fmt.Errorf("%s: %w", path, ErrAlreadyRepository)
	}

	for _, dir := range []string{nodesDir, opsDir} {
		if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
			return fmt.Errorf("error creating %s directory: %w", dir, err)
		}
	}

	if err := os.WriteFile(marker, []byte(markerContent), 0o644); err != nil {
		return fmt.Errorf("error writing repository marker: %w", err)
	}
	return nil
}

// Open opens an initialized repository directory and returns a handle.
func Open(cfg Config) (*Repository, error) {
	logger := cfg.logger()

	marker := filepath.Join(cfg.Path, markerFile)
	if _, err := os.Stat(marker); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Path, ErrNotRepository)
	}

	nodesKV, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:          filepath.Join(cfg.Path, nodesDir),
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening node store: %w", err)
	}

	opsKV, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:          filepath.Join(cfg.Path, opsDir),
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        logger,
	})
	if err != nil {
		_ = nodesKV.Close()
		return nil, fmt.Errorf("error opening operation store: %w", err)
	}

	nodes := nodestore.New(nodesKV, logger)
	ops := opstore.New(opsKV, logger)
	dag := graph.New(nodes, logger)
	registry := convergence.NewRegistry()

	repo := &Repository{
		cfg:      cfg,
		log:      logger,
		nodesKV:  nodesKV,
		opsKV:    opsKV,
		dag:      dag,
		state:    crdt.NewState(ops, logger),
		resolver: convergence.NewResolver(dag, registry, logger),
		registry: registry,
		clock:    hlc.New(),
	}

	logger.WithFields(logrus.Fields{
		"path":   cfg.Path,
		"author": cfg.Author,
	}).Info("repository opened")
	return repo, nil
}
