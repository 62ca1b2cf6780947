// Command convergent runs and inspects replicas of convergent collections.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/convergent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
