// Package testutil holds shared helpers for tests that are too heavy for a
// default test run.
package testutil

import (
	"flag"
	"math/rand"
	"testing"
)

var runLong = flag.Bool("long", false, "run long/heavy tests")

// RequireLong skips the test unless the -long flag is set.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*runLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// DeterministicBytes returns size bytes from a seeded source, so heavy tests
// produce the same data on every run.
func DeterministicBytes(seed int64, size int) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, size)
	rng.Read(data)
	return data
}
