// Command stepflow deploys and runs workflow definitions.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/stepflow/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}
	// Commands report their own failures; anything else (bad flags, wrong
	// arg count) is printed here.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
