// Command mkernel commits tenant-scoped mutations, traces lot lineage and
// runs the repository's isolation checks and conformance scenarios.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/mkernel/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mkernel:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
