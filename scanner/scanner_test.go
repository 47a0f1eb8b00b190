package scanner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	delay time.Duration
	fail  map[string]bool
}

func (s stubExtractor) Extract(path string) types.ImageRecord {
	time.Sleep(s.delay)
	r := types.ImageRecord{Path: path, Filename: filepath.Base(path), Width: 1, Height: 1}
	if s.fail[filepath.Base(path)] {
		r.LoadError = "cannot decode"
	}
	return r
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.jpg"))
	touch(t, filepath.Join(dir, "a.PNG"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "nested", "c.heic"))
	touch(t, filepath.Join(dir, "nested", "deeper", "d.webp"))
	touch(t, filepath.Join(dir, "raw.cr2"))

	paths, stats, err := CollectImages(ScanOptions{FolderPath: dir})
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		rel, _ := filepath.Rel(dir, p)
		names = append(names, filepath.ToSlash(rel))
	}
	assert.Equal(t, []string{"a.PNG", "b.jpg", "nested/c.heic", "nested/deeper/d.webp"}, names)
	assert.Equal(t, 4, stats.TotalFiles)
	assert.Equal(t, 1, stats.ConvertFiles)
	assert.Zero(t, stats.Skipped)
}

func TestCollectImagesLimit(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		touch(t, filepath.Join(dir, n))
	}

	paths, stats, err := CollectImages(ScanOptions{FolderPath: dir, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 1, stats.Skipped)
}

func TestCollectImagesMissingFolder(t *testing.T) {
	_, _, err := CollectImages(ScanOptions{FolderPath: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.jpg")
	touch(t, file)
	_, _, err = CollectImages(ScanOptions{FolderPath: file})
	assert.Error(t, err)
}

func TestExtractAllKeepsScanOrder(t *testing.T) {
	paths := []string{"/in/a.jpg", "/in/b.jpg", "/in/c.heic", "/in/d.jpg", "/in/e.jpg"}

	var (
		mu    sync.Mutex
		calls int
		last  [3]int
	)
	var out bytes.Buffer
	opts := ScanOptions{
		MaxWorkers: 3,
		Label:      "Extracting",
		Output:     &out,
		OnProgress: func(done, errs, total int) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if done > last[0] {
				last = [3]int{done, errs, total}
			}
		},
	}

	records, err := ExtractAll(context.Background(), stubExtractor{delay: time.Millisecond, fail: map[string]bool{"d.jpg": true}}, paths, opts)
	require.NoError(t, err)

	require.Len(t, records, len(paths))
	for i, r := range records {
		assert.Equal(t, paths[i], r.Path)
	}
	assert.Equal(t, "cannot decode", records[3].LoadError)

	assert.Equal(t, 5, calls)
	assert.Equal(t, [3]int{5, 1, 5}, last)
	assert.Contains(t, out.String(), "Extracting: 5/5 (Errors: 1, converted formats: 1/1)")
	assert.Contains(t, out.String(), "Processed 5 images")
}

func TestExtractAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExtractAll(ctx, stubExtractor{}, []string{"/in/a.jpg"}, ScanOptions{MaxWorkers: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
