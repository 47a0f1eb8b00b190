package signalhandler

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"petprep/logging"
)

// SetupHandler cancels the run on the first SIGINT or SIGTERM so the current
// stage can finish its in-flight images. A second signal exits immediately.
// The returned function stops signal delivery.
func SetupHandler(cancel context.CancelFunc) (stop func()) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			logging.LogWarning("Received %v, stopping after in-flight images", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigChan:
			logging.LogError("Received %v again, exiting", sig)
			logging.CloseLogger()
			os.Exit(130)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// GetOptimalProcs returns the optimal number of worker goroutines for the system
func GetOptimalProcs() int {
	numCPU := runtime.NumCPU()

	// For image processing with CGo, using too many goroutines can cause issues
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}

	return maxProcs
}
