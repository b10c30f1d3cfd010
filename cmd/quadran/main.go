// Command quadran authenticates requests through four gates and enforces the
// safety pipeline order.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/quadran/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
