// Command fiscalsync synchronizes fiscal documents for a roster of entities.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/fiscalsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fiscalsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
