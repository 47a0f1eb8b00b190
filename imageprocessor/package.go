// Package imageprocessor loads images into gocv matrices through a registry of
// format loaders, computes content and perceptual hashes, and writes results
// back to disk.
package imageprocessor

import "errors"

// ErrDecode is returned when no available decoder can read an image
var ErrDecode = errors.New("image could not be decoded")
