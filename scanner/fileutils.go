package scanner

import (
	"petprep/imageprocessor"
)

// needsConversion reports whether a file's format is written back as JPEG
func needsConversion(path string) bool {
	return !imageprocessor.IsWritable(imageprocessor.GetFileFormat(path))
}

// CountFilesToProcess classifies the collected files
func CountFilesToProcess(paths []string) FileStats {
	stats := FileStats{TotalFiles: len(paths)}
	for _, p := range paths {
		if needsConversion(p) {
			stats.ConvertFiles++
		}
	}
	return stats
}
