package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FailureLog collects "name: error" lines for images that could not be
// processed. The file is only created once the first failure is recorded.
type FailureLog struct {
	path  string
	mu    sync.Mutex
	file  *os.File
	count int
}

// NewFailureLog returns a failure log that writes to path
func NewFailureLog(path string) *FailureLog {
	return &FailureLog{path: path}
}

// Path returns the location of the log file
func (f *FailureLog) Path() string {
	return f.path
}

// Record appends one failure line
func (f *FailureLog) Record(name, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return fmt.Errorf("failed to create failure log directory: %w", err)
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to open failure log: %w", err)
		}
		header := "FAILED IMAGES LOG\n" + strings.Repeat("=", 60) + "\n\n"
		if _, err := file.WriteString(header); err != nil {
			file.Close()
			return fmt.Errorf("failed to write failure log header: %w", err)
		}
		f.file = file
	}

	// one line per failure, even for multi-line error text
	errMsg = strings.ReplaceAll(errMsg, "\n", " ")
	if _, err := fmt.Fprintf(f.file, "%s: %s\n", name, errMsg); err != nil {
		return fmt.Errorf("failed to write failure log: %w", err)
	}
	f.count++
	LogImageProcessed(name, false, errMsg)
	return nil
}

// Count returns the number of failures recorded so far
func (f *FailureLog) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Close closes the underlying file if it was opened
func (f *FailureLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
