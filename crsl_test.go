package crsl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crsl-io/crsl/pkg/convergence"
	"github.com/crsl-io/crsl/pkg/types"
)

func setupRepo(tb testing.TB) *Repository {
	tb.Helper()

	dir := tb.TempDir()
	if err := Init(dir); err != nil {
		tb.Fatalf("failed to init repository: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	repo, err := Open(Config{
		Path:   dir,
		Author: "tester",
		Logger: logger,
	})
	if err != nil {
		tb.Fatalf("failed to open repository: %v", err)
	}
	tb.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))

	for _, name := range []string{markerFile, nodesDir, opsDir} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "missing %s", name)
	}

	err := Init(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRepository)
}

func TestOpenRefusesUninitializedDir(t *testing.T) {
	_, err := Open(Config{Path: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crsl.yaml")
	content := "path: /data/repo\nminimum_free_gb: 2\nauthor: alice\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/repo", cfg.Path)
	assert.Equal(t, 2, cfg.MinimumFreeGB)
	assert.Equal(t, "alice", cfg.Author)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCreateUpdateLinearHistory(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)

	v2, err := repo.Update(genesis, []byte("v2"))
	require.NoError(t, err)
	v3, err := repo.Update(genesis, []byte("v3"))
	require.NoError(t, err)

	latest, err := repo.Latest(genesis)
	require.NoError(t, err)
	assert.True(t, latest.CID.Equals(v3))
	assert.Equal(t, []byte("v3"), latest.Node.Payload)

	state, err := repo.GetState(genesis)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Equal(t, []byte("v3"), state.Payload)

	history, err := repo.GetHistory(genesis)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].CID.Equals(genesis))
	assert.True(t, history[1].CID.Equals(v2))
	assert.True(t, history[2].CID.Equals(v3))

	heads, err := repo.Heads(genesis)
	require.NoError(t, err)
	assert.Len(t, heads, 1)
}

func TestConcurrentBranchAutoMerges(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)
	_, err = repo.Update(genesis, []byte("main"))
	require.NoError(t, err)

	// a concurrent edit branching from the genesis diverges the series
	_, err = repo.UpdateAt(genesis, genesis, []byte("branch"))
	require.NoError(t, err)

	heads, err := repo.Heads(genesis)
	require.NoError(t, err)
	require.Len(t, heads, 1, "convergence pass must close every open head")

	latest, err := repo.Latest(genesis)
	require.NoError(t, err)
	assert.True(t, latest.Node.IsMerge(), "the single head is the merge node")
	require.Len(t, latest.Node.Parents, 2)

	// lww keeps the newest branch, which is the later concurrent edit
	assert.Equal(t, []byte("branch"), latest.Node.Payload)

	state, err := repo.GetState(genesis)
	require.NoError(t, err)
	assert.Equal(t, types.OpMerge, state.Winner.Kind)
	assert.Equal(t, AutoMergeAuthor, state.Winner.Author)
	assert.Equal(t, []byte("branch"), state.Payload)
}

func TestDeleteProjectsAbsenceAndKeepsHistory(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)
	_, err = repo.Update(genesis, []byte("v2"))
	require.NoError(t, err)

	tombstone, err := repo.Delete(genesis)
	require.NoError(t, err)

	state, err := repo.GetState(genesis)
	require.NoError(t, err)
	assert.False(t, state.Exists)

	// the tombstone version still carries the last visible payload
	node, err := repo.GetNode(tombstone)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), node.Payload)

	history, err := repo.GetHistory(genesis)
	require.NoError(t, err)
	assert.Len(t, history, 3, "history survives deletion")
}

func TestUpdateAfterDeleteRevives(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)
	_, err = repo.Delete(genesis)
	require.NoError(t, err)

	_, err = repo.Update(genesis, []byte("revived"))
	require.NoError(t, err)

	state, err := repo.GetState(genesis)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Equal(t, []byte("revived"), state.Payload)
}

func TestCommitOperationFillsDefaults(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.CommitOperation(types.Operation{
		Kind:    types.OpCreate,
		Payload: []byte("v1"),
	})
	require.NoError(t, err)

	ops, err := repo.Operations(genesis)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.NotEmpty(t, ops[0].ID)
	assert.NotZero(t, ops[0].Timestamp)
	assert.Equal(t, "tester", ops[0].Author, "author defaults to the config author")
}

func TestCommitOperationRejectsExternalMerge(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)

	_, err = repo.CommitOperation(types.Operation{
		Genesis: genesis,
		Kind:    types.OpMerge,
		Payload: []byte("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalMerge)
}

func TestCommitOperationRejectsDuplicateID(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)

	op := types.NewOperation(genesis, types.OpUpdate, []byte("v2"), "tester", repo.clock.Now())
	_, err = repo.CommitOperation(op)
	require.NoError(t, err)

	op.Payload = []byte("replayed")
	_, err = repo.CommitOperation(op)
	require.Error(t, err)

	state, err := repo.GetState(genesis)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), state.Payload, "replayed operation must not change state")
}

func TestHistoryFromVersionWalksFirstParents(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)
	v2, err := repo.Update(genesis, []byte("v2"))
	require.NoError(t, err)
	v3, err := repo.Update(genesis, []byte("v3"))
	require.NoError(t, err)

	chain, err := repo.HistoryFromVersion(v3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.True(t, chain[0].CID.Equals(genesis))
	assert.True(t, chain[1].CID.Equals(v2))
	assert.True(t, chain[2].CID.Equals(v3))

	resolved, err := repo.GenesisOf(v3)
	require.NoError(t, err)
	assert.True(t, resolved.Equals(genesis))
}

func TestCustomPolicySelectedByMetadata(t *testing.T) {
	repo := setupRepo(t)
	repo.RegisterPolicy(oldestWinsPolicy{})

	genesis, err := repo.Create([]byte("v1"), types.Metadata{PolicyType: "oldest-wins"})
	require.NoError(t, err)
	_, err = repo.Update(genesis, []byte("main"))
	require.NoError(t, err)
	_, err = repo.UpdateAt(genesis, genesis, []byte("branch"))
	require.NoError(t, err)

	latest, err := repo.Latest(genesis)
	require.NoError(t, err)
	assert.True(t, latest.Node.IsMerge())
	assert.Equal(t, []byte("main"), latest.Node.Payload, "the custom policy keeps the oldest head")
}

func TestUnknownPolicyFailsMerge(t *testing.T) {
	repo := setupRepo(t)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{PolicyType: "no-such-policy"})
	require.NoError(t, err)
	_, err = repo.Update(genesis, []byte("main"))
	require.NoError(t, err)

	_, err = repo.UpdateAt(genesis, genesis, []byte("branch"))
	require.Error(t, err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := Config{Path: dir, Author: "tester", Logger: logger}

	repo, err := Open(cfg)
	require.NoError(t, err)

	genesis, err := repo.Create([]byte("v1"), types.Metadata{})
	require.NoError(t, err)
	_, err = repo.Update(genesis, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.GetState(genesis)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Equal(t, []byte("v2"), state.Payload)

	history, err := reopened.GetHistory(genesis)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

// oldestWinsPolicy keeps the payload of the oldest head, the inverse of lww.
type oldestWinsPolicy struct{}

func (oldestWinsPolicy) Name() string { return "oldest-wins" }

func (oldestWinsPolicy) Resolve(inputs []convergence.ResolveInput) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, convergence.ErrNoInputs
	}
	best := inputs[0]
	for _, in := range inputs[1:] {
		if in.Timestamp < best.Timestamp {
			best = in
		}
	}
	return best.Payload, nil
}
