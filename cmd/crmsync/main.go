// Command crmsync synchronizes local business records with remote CRMs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/crmsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "crmsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
