// Command eldertree runs and inspects an Elder Tree.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/eldertree/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
