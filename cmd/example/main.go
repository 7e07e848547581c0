package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	crsl "github.com/crsl-io/crsl"
	"github.com/crsl-io/crsl/pkg/types"
)

func main() {
	fmt.Println("Starting crsl example")

	dir, err := os.MkdirTemp("", "crsl-example-*")
	if err != nil {
		log.Fatalf("Failed to create example directory: %s", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, time.Now().Format("20060102-150405"))
	if err := crsl.Init(path); err != nil {
		log.Fatalf("Failed to initialize repository: %s", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	repo, err := crsl.Open(crsl.Config{
		Path:          path,
		MinimumFreeGB: 1,
		Author:        "example",
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to open repository: %s", err)
	}
	defer repo.Close()

	// Start a series and append a couple of versions.
	genesis, err := repo.Create([]byte("draft"), types.Metadata{})
	if err != nil {
		log.Fatalf("Error creating series: %s", err)
	}
	fmt.Printf("Created series %s\n", genesis)

	v2, err := repo.Update(genesis, []byte("draft, revised"))
	if err != nil {
		log.Fatalf("Error updating series: %s", err)
	}
	fmt.Printf("Appended version %s\n", v2)

	printState(repo, genesis)

	// A concurrent writer branches from the genesis instead of the latest
	// version, diverging the series. The commit converges it again.
	branch, err := repo.UpdateAt(genesis, genesis, []byte("draft, concurrent edit"))
	if err != nil {
		log.Fatalf("Error committing concurrent edit: %s", err)
	}
	fmt.Printf("Committed concurrent edit %s\n", branch)

	heads, err := repo.Heads(genesis)
	if err != nil {
		log.Fatalf("Error listing heads: %s", err)
	}
	fmt.Printf("Open heads after convergence: %d\n", len(heads))

	latest, err := repo.Latest(genesis)
	if err != nil {
		log.Fatalf("Error resolving latest version: %s", err)
	}
	if latest.Node.IsMerge() {
		fmt.Printf("Latest version %s is a merge of %d parents\n", latest.CID, len(latest.Node.Parents))
	}

	printState(repo, genesis)

	history, err := repo.GetHistory(genesis)
	if err != nil {
		log.Fatalf("Error reading history: %s", err)
	}
	fmt.Printf("History has %d versions:\n", len(history))
	for _, e := range history {
		marker := ""
		if e.Node.IsGenesis() {
			marker = " (genesis)"
		} else if e.Node.IsMerge() {
			marker = " (merge)"
		}
		fmt.Printf("  %s ts=%d%s\n", e.CID, e.Node.Timestamp, marker)
	}

	// Deleting keeps the history but projects absence.
	if _, err := repo.Delete(genesis); err != nil {
		log.Fatalf("Error deleting series: %s", err)
	}
	printState(repo, genesis)
}

func printState(repo *crsl.Repository, genesis cid.Cid) {
	state, err := repo.GetState(genesis)
	if err != nil {
		log.Fatalf("Error projecting state: %s", err)
	}
	if !state.Exists {
		fmt.Println("Projected state: (deleted)")
		return
	}
	fmt.Printf("Projected state: %q (winner %s by %s)\n", state.Payload, state.Winner.Kind, state.Winner.Author)
}
