package scanner

import (
	"fmt"
	"io"
	"time"

	"petprep/logging"
)

const tickInterval = 500 * time.Millisecond

// NewProgressTracker starts tracking results read from resultsChan. The
// tracker stops consuming once resultsChan is closed; call Stop afterwards.
func NewProgressTracker(stats FileStats, resultsChan <-chan ProcessImageResult, options ScanOptions) *ProgressTracker {
	label := options.Label
	if label == "" {
		label = "Progress"
	}
	tracker := &ProgressTracker{
		label:        label,
		ticker:       time.NewTicker(tickInterval),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
		stopped:      make(chan struct{}),
		totalFiles:   stats.TotalFiles,
		convertFiles: stats.ConvertFiles,
		out:          options.Output,
		onProgress:   options.OnProgress,
	}

	go tracker.displayProgress()
	go tracker.processResults(resultsChan)

	return tracker
}

// displayProgress rewrites the progress line on every tick
func (p *ProgressTracker) displayProgress() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.printLine()
		}
	}
}

func (p *ProgressTracker) printLine() {
	if p.out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errors > 0 {
		fmt.Fprintf(p.out, "\r%s: %d/%d (Errors: %d, converted formats: %d/%d)",
			p.label, p.processed, p.totalFiles, p.errors, p.convertDone, p.convertFiles)
	} else {
		fmt.Fprintf(p.out, "\r%s: %d/%d (converted formats: %d/%d)",
			p.label, p.processed, p.totalFiles, p.convertDone, p.convertFiles)
	}
}

// processResults updates the tracker state based on processing results
func (p *ProgressTracker) processResults(resultsChan <-chan ProcessImageResult) {
	defer close(p.finished)
	for result := range resultsChan {
		p.mu.Lock()
		p.processed++
		if result.Converted {
			p.convertDone++
		}
		if !result.Success {
			p.errors++
			if result.Error != nil {
				logging.LogImageProcessed(result.Path, false, result.Error.Error())
			}
		} else {
			logging.LogImageProcessed(result.Path, true, "")
		}
		done, errs, total := p.processed, p.errors, p.totalFiles
		p.mu.Unlock()

		if p.onProgress != nil {
			p.onProgress(done, errs, total)
		}
	}
}

// Stop waits for the results channel to drain, prints the final line and
// ends the ticker
func (p *ProgressTracker) Stop() {
	<-p.finished
	p.ticker.Stop()
	close(p.done)
	<-p.stopped
	p.printLine()
	if p.out != nil {
		fmt.Fprintln(p.out)
	}
}

// Processed returns the number of results seen
func (p *ProgressTracker) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// Errors returns the number of failed results seen
func (p *ProgressTracker) Errors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// PrintStartupInfo displays information about the scan before starting
func PrintStartupInfo(w io.Writer, stats FileStats, options ScanOptions) {
	fmt.Fprintf(w, "Found %d image files in %s (%d will be converted to JPEG)\n",
		stats.TotalFiles, options.FolderPath, stats.ConvertFiles)
	if stats.Skipped > 0 {
		fmt.Fprintf(w, "Testing mode: limited to %d images, %d not processed\n", options.Limit, stats.Skipped)
	}
	if options.DebugMode {
		logging.DebugLog("Found %d image files to process (%d need conversion, %d beyond limit)",
			stats.TotalFiles, stats.ConvertFiles, stats.Skipped)
	}
}

// PrintCompletionStats displays statistics after a stage completes
func PrintCompletionStats(w io.Writer, tracker *ProgressTracker, startTime time.Time, options ScanOptions) {
	elapsed := time.Since(startTime)

	if options.DebugMode {
		logging.DebugLog("%s completed in %v. Processed: %d, Errors: %d",
			tracker.label, elapsed, tracker.Processed(), tracker.Errors())
	}

	fmt.Fprintf(w, "Processed %d images in %v.\n", tracker.Processed(), elapsed.Round(time.Second))
	if errs := tracker.Errors(); errs > 0 {
		fmt.Fprintf(w, "Encountered %d errors. Check the log file for details.\n", errs)
	}
}
