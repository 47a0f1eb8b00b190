package scanner

import (
	"io"
	"sync"
	"time"

	"petprep/types"
)

// ScanOptions defines the options for scanning and extraction
type ScanOptions struct {
	FolderPath string
	Limit      int // 0 means no limit
	MaxWorkers int
	DebugMode  bool
	Label      string
	Output     io.Writer    // progress line destination, nil for none
	OnProgress ProgressFunc // optional per item callback
}

// ProgressFunc receives running counts after each item
type ProgressFunc func(done, errors, total int)

// Extractor computes the record of one image file
type Extractor interface {
	Extract(path string) types.ImageRecord
}

// ProcessImageResult holds the result of processing an image
type ProcessImageResult struct {
	Path      string
	Success   bool
	Error     error
	Converted bool
}

// FileStats tracks information about files to be processed
type FileStats struct {
	TotalFiles   int
	ConvertFiles int // formats written back as JPEG
	Skipped      int // files beyond the limit
}

// ProgressTracker tracks progress of a scan or processing stage
type ProgressTracker struct {
	label        string
	processed    int
	errors       int
	convertDone  int
	ticker       *time.Ticker
	done         chan struct{}
	finished     chan struct{}
	stopped      chan struct{}
	mu           sync.Mutex
	totalFiles   int
	convertFiles int
	out          io.Writer
	onProgress   ProgressFunc
}
