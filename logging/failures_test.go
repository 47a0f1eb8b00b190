package logging

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureLogCreatesFileLazily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "failed_images.log")
	log := NewFailureLog(path)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, log.Close())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "closing an empty log must not create the file")
}

func TestFailureLogRecordsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed_images.log")
	log := NewFailureLog(path)

	require.NoError(t, log.Record("cat_01.jpg", "failed to load image"))
	require.NoError(t, log.Record("dog_02.heic", "decode error:\nbad header"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, "FAILED IMAGES LOG")
	assert.Contains(t, content, "cat_01.jpg: failed to load image\n")
	assert.Contains(t, content, "dog_02.heic: decode error: bad header\n")
	assert.Equal(t, 2, log.Count())
}

func TestFailureLogConcurrentWriters(t *testing.T) {
	log := NewFailureLog(filepath.Join(t.TempDir(), "failed_images.log"))
	defer log.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Record("img.jpg", "boom"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, log.Count())
}
