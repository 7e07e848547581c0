package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"

	crsl "github.com/crsl-io/crsl"
	"github.com/crsl-io/crsl/pkg/codec"
	"github.com/crsl-io/crsl/pkg/graph"
	"github.com/crsl-io/crsl/pkg/types"
)

var (
	repoPath    string
	author      string
	historyMode string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "crsl",
		Short:         "crsl is a content-versioning engine with convergent merge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "repository directory")
	rootCmd.PersistentFlags().StringVar(&author, "author", "", "author stamped on operations")

	historyCmd := &cobra.Command{
		Use:   "history <genesis-cid>",
		Short: "List every version of a series",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyMode, "mode", "linear", "rendering mode: linear or tree")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Initialize a new repository",
			Args:  cobra.NoArgs,
			RunE:  runInit,
		},
		&cobra.Command{
			Use:   "create <payload>",
			Short: "Start a new series and print its genesis CID",
			Args:  cobra.ExactArgs(1),
			RunE:  runCreate,
		},
		&cobra.Command{
			Use:   "update <genesis-cid> <payload>",
			Short: "Append a new version to a series",
			Args:  cobra.ExactArgs(2),
			RunE:  runUpdate,
		},
		&cobra.Command{
			Use:   "delete <genesis-cid>",
			Short: "Mark a series as deleted",
			Args:  cobra.ExactArgs(1),
			RunE:  runDelete,
		},
		&cobra.Command{
			Use:   "show <cid>",
			Short: "Print a single version node",
			Args:  cobra.ExactArgs(1),
			RunE:  runShow,
		},
		&cobra.Command{
			Use:   "state <genesis-cid>",
			Short: "Print the projected current value of a series",
			Args:  cobra.ExactArgs(1),
			RunE:  runState,
		},
		historyCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openRepo() (*crsl.Repository, error) {
	cfg := crsl.Config{Path: repoPath, Author: author}

	configFile := filepath.Join(repoPath, "crsl.yaml")
	if _, err := os.Stat(configFile); err == nil {
		loaded, err := crsl.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		loaded.Path = repoPath
		if author != "" {
			loaded.Author = author
		}
		cfg = loaded
	}

	if cfg.Author == "" {
		cfg.Author = "anonymous"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warning"
	}
	return crsl.Open(cfg)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := crsl.Init(repoPath); err != nil {
		return err
	}
	fmt.Printf("initialized repository at %s\n", repoPath)
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	genesis, err := repo.Create([]byte(args[0]), types.Metadata{})
	if err != nil {
		return err
	}
	fmt.Println(genesis.String())
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	genesis, err := codec.ParseCID(args[0])
	if err != nil {
		return err
	}

	version, err := repo.Update(genesis, []byte(args[1]))
	if err != nil {
		return err
	}
	fmt.Println(version.String())
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	genesis, err := codec.ParseCID(args[0])
	if err != nil {
		return err
	}

	if _, err := repo.Delete(genesis); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", genesis)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	c, err := codec.ParseCID(args[0])
	if err != nil {
		return err
	}

	node, err := repo.GetNode(c)
	if err != nil {
		return err
	}

	fmt.Printf("cid:       %s\n", c)
	fmt.Printf("timestamp: %d\n", node.Timestamp)
	fmt.Printf("policy:    %s\n", node.Meta.Policy())
	if node.IsGenesis() {
		fmt.Println("genesis:   (this node)")
	} else {
		fmt.Printf("genesis:   %s\n", node.Genesis)
	}
	for _, p := range node.Parents {
		fmt.Printf("parent:    %s\n", p)
	}
	fmt.Printf("payload:   %s\n", node.Payload)
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	genesis, err := codec.ParseCID(args[0])
	if err != nil {
		return err
	}

	state, err := repo.GetState(genesis)
	if err != nil {
		return err
	}
	if !state.Exists {
		fmt.Println("(deleted)")
		return nil
	}
	fmt.Printf("%s\n", state.Payload)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	genesis, err := codec.ParseCID(args[0])
	if err != nil {
		return err
	}

	entries, err := repo.GetHistory(genesis)
	if err != nil {
		return err
	}

	switch historyMode {
	case "linear":
		for _, e := range entries {
			printEntryLine(e, "")
		}
	case "tree":
		printTree(genesis, entries)
	default:
		return fmt.Errorf("unknown history mode %q", historyMode)
	}
	return nil
}

func printEntryLine(e graph.Entry, indent string) {
	marker := ""
	if e.Node.IsGenesis() {
		marker = " (genesis)"
	} else if e.Node.IsMerge() {
		marker = " (merge)"
	}
	fmt.Printf("%s%s  ts=%d%s\n", indent, e.CID, e.Node.Timestamp, marker)
}

// printTree renders the series as an indented child tree rooted at the
// genesis. Merge nodes appear under their first parent.
func printTree(genesis cid.Cid, entries []graph.Entry) {
	byCid := make(map[cid.Cid]graph.Entry, len(entries))
	children := make(map[cid.Cid][]cid.Cid)
	for _, e := range entries {
		byCid[e.CID] = e
		if len(e.Node.Parents) > 0 {
			first := e.Node.Parents[0]
			children[first] = append(children[first], e.CID)
		}
	}

	var walk func(c cid.Cid, depth int)
	walk = func(c cid.Cid, depth int) {
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		printEntryLine(byCid[c], indent)
		for _, child := range children[c] {
			walk(child, depth+1)
		}
	}
	walk(genesis, 0)
}
