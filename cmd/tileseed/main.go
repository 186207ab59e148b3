package main

// ============================================================================
// tileseed entry point
// 1. Build the CLI
// 2. Inject build version
// 3. Recover top-level panics
//
// Build:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" \
//     -o bin/tileseed ./cmd/tileseed
//
// Run:
//   ./bin/tileseed run -c configs/default.yaml
//   ./bin/tileseed seed -l osm --zoom-stop 6 -t 8
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/tileseed/internal/cli"
)

var (
	version = "dev" // injected by CI
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
