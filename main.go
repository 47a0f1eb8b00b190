package main

import (
	"fmt"
	"os"
	"runtime"

	"petprep/logging"
	"petprep/signalhandler"
)

func main() {
	// Set the optimal number of CPUs to use
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	err := newRootCommand(os.Stdout).Execute()
	logging.CloseLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
