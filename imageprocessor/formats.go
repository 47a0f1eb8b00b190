package imageprocessor

import (
	"path/filepath"
	"sort"
	"strings"
)

// FormatType represents a known image format type
type FormatType string

// Known image format constants
const (
	FormatUnknown FormatType = "unknown"
	FormatJPEG    FormatType = "jpeg"
	FormatPNG     FormatType = "png"
	FormatGIF     FormatType = "gif"
	FormatTIFF    FormatType = "tiff"
	FormatBMP     FormatType = "bmp"
	FormatWEBP    FormatType = "webp"
	FormatAVIF    FormatType = "avif"
	FormatHEIC    FormatType = "heic"
	FormatHEIF    FormatType = "heif"
)

// Map of extensions to format types. This is the scan allow-list.
var formatExtensions = map[string]FormatType{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".bmp":  FormatBMP,
	".webp": FormatWEBP,
	".avif": FormatAVIF,
	".heic": FormatHEIC,
	".heif": FormatHEIF,
}

// IsImageFile checks if a file is a supported image based on extension
func IsImageFile(path string) bool {
	_, supported := formatExtensions[strings.ToLower(filepath.Ext(path))]
	return supported
}

// GetFileFormat returns the format type based on file extension
func GetFileFormat(path string) FormatType {
	format, exists := formatExtensions[strings.ToLower(filepath.Ext(path))]
	if !exists {
		return FormatUnknown
	}
	return format
}

// IsWritable reports whether the primary codec can encode the format.
// OpenCV ships no GIF encoder before 4.11.
func IsWritable(format FormatType) bool {
	switch format {
	case FormatGIF, FormatHEIC, FormatHEIF, FormatAVIF, FormatUnknown:
		return false
	default:
		return true
	}
}

// OutputName returns the file name an image is written under. Formats the
// primary codec cannot write are renamed to JPEG; renamed reports the change.
func OutputName(name string) (out string, renamed bool) {
	if IsWritable(GetFileFormat(name)) {
		return name, false
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg", true
}

// GetSupportedExtensions returns all supported image file extensions, sorted
func GetSupportedExtensions() []string {
	extensions := make([]string, 0, len(formatExtensions))
	for ext := range formatExtensions {
		extensions = append(extensions, ext)
	}
	sort.Strings(extensions)
	return extensions
}
