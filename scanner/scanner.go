// Package scanner collects the images of an input folder and extracts their
// features on a bounded worker pool. Results always come back in scan order.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/types"
)

// CollectImages walks options.FolderPath recursively and returns the
// allow-listed image files in lexical order, capped at options.Limit
func CollectImages(options ScanOptions) ([]string, FileStats, error) {
	info, err := os.Stat(options.FolderPath)
	if err != nil {
		return nil, FileStats{}, fmt.Errorf("cannot read input folder: %w", err)
	}
	if !info.IsDir() {
		return nil, FileStats{}, fmt.Errorf("input %s is not a directory", options.FolderPath)
	}

	if options.DebugMode {
		logging.DebugLog("Starting image scan on folder: %s", options.FolderPath)
	}

	var paths []string
	err = filepath.WalkDir(options.FolderPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.LogWarning("Error accessing path %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !imageprocessor.IsImageFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, FileStats{}, err
	}

	skipped := 0
	if options.Limit > 0 && len(paths) > options.Limit {
		skipped = len(paths) - options.Limit
		paths = paths[:options.Limit]
	}

	stats := CountFilesToProcess(paths)
	stats.Skipped = skipped
	return paths, stats, nil
}

// ExtractAll runs extractor over paths on at most options.MaxWorkers
// goroutines. The returned records are index aligned with paths. A cancelled
// ctx stops new work from starting and is returned after in-flight items
// finish.
func ExtractAll(ctx context.Context, extractor Extractor, paths []string, options ScanOptions) ([]types.ImageRecord, error) {
	workers := options.MaxWorkers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	var wg sync.WaitGroup
	resultsChan := make(chan ProcessImageResult, 100)
	semaphore := make(chan struct{}, workers)

	stats := CountFilesToProcess(paths)
	tracker := NewProgressTracker(stats, resultsChan, options)
	startTime := time.Now()

	records := make([]types.ImageRecord, len(paths))
	var runErr error
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()

			record := extractor.Extract(path)
			records[i] = record

			result := ProcessImageResult{Path: path, Success: record.LoadError == "", Converted: needsConversion(path)}
			if !result.Success {
				result.Error = errors.New(record.LoadError)
			}
			resultsChan <- result
		}()
	}

	wg.Wait()
	close(resultsChan)
	tracker.Stop()

	if options.Output != nil {
		PrintCompletionStats(options.Output, tracker, startTime, options)
	}
	if runErr != nil {
		return nil, runErr
	}
	return records, nil
}
