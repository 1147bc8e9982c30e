package main

import (
	"fmt"
	"os"

	"github.com/shibzuko/ciflow/cmd/cli"
)

const (
	exitErrorTemplateConstant = "%v\n"
)

// main executes the ciflow command-line application.
func main() {
	if executionError := cli.Execute(); executionError != nil {
		fmt.Fprintf(os.Stderr, exitErrorTemplateConstant, executionError)
		os.Exit(cli.ExitCode(executionError))
	}
}
