package imageprocessor

import (
	"fmt"
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ReadCaptureTime returns the EXIF capture time of the file at path. Files
// without EXIF data return the zero time and no error.
func ReadCaptureTime(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, nil
	}

	taken, err := x.DateTime()
	if err != nil {
		return time.Time{}, nil
	}
	return taken, nil
}
