// Package features computes the per image signals used for scene level
// duplicate detection. Colour, edge and keypoint features are taken from the
// background only, with people masked out, so two photos of different pets in
// the same studio setup still compare as the same scene.
package features

import (
	"errors"
	"image"
	"path/filepath"
	"time"

	"petprep/detectors"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/types"

	"gocv.io/x/gocv"
)

const (
	histBins       = 16
	edgeCanvas     = 64
	cannyLow       = 50
	cannyHigh      = 150
	maskDilateSize = 30
)

// Extractor builds ImageRecords from image files
type Extractor struct {
	loader    *imageprocessor.ImageLoaderRegistry
	segmenter detectors.PersonSegmenter
}

// NewExtractor creates an extractor. A nil segmenter behaves as unavailable.
func NewExtractor(loader *imageprocessor.ImageLoaderRegistry, segmenter detectors.PersonSegmenter) *Extractor {
	if segmenter == nil {
		segmenter = detectors.Unavailable{}
	}
	return &Extractor{loader: loader, segmenter: segmenter}
}

// Extract reads the file at path and computes its features. Files that cannot
// be read or decoded still produce a record, with LoadError set and the
// features left empty.
func (e *Extractor) Extract(path string) types.ImageRecord {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	record := types.ImageRecord{
		Path:     path,
		Filename: filepath.Base(path),
	}

	sum, size, err := imageprocessor.ComputeMD5(path)
	if err != nil {
		record.LoadError = err.Error()
		return record
	}
	record.MD5Hash = sum
	record.Size = size

	if taken, err := imageprocessor.ReadCaptureTime(path); err == nil && !taken.IsZero() {
		record.CapturedAt = taken.Format(time.RFC3339)
	}

	img, err := e.loader.LoadImage(path)
	if err != nil {
		record.LoadError = err.Error()
		return record
	}
	defer img.Close()

	e.fill(&record, img)
	return record
}

// fill computes every feature of a decoded image into record
func (e *Extractor) fill(record *types.ImageRecord, img gocv.Mat) {
	record.Width = img.Cols()
	record.Height = img.Rows()

	if hash, err := imageprocessor.ComputePerceptualHash(img); err == nil {
		record.PerceptualHash = hash
	} else {
		logging.LogWarning("Perceptual hash failed for %s: %v", record.Filename, err)
	}

	humanMask, hasHuman := HumanMask(img, e.segmenter)
	defer humanMask.Close()
	record.HasHuman = hasHuman

	bgMask := gocv.NewMat()
	defer bgMask.Close()
	gocv.BitwiseNot(humanMask, &bgMask)

	record.BackgroundHist = ColorHistogram(img, bgMask)
	record.EdgeSignature = EdgeSignature(img, bgMask)
	record.Descriptors = ORBDescriptors(img, bgMask)
}

// HumanMask returns the dilated union of person masks for img and whether
// any person was found. Without segmentation the mask is empty.
func HumanMask(img gocv.Mat, segmenter detectors.PersonSegmenter) (gocv.Mat, bool) {
	empty := func() (gocv.Mat, bool) {
		return gocv.Zeros(img.Rows(), img.Cols(), gocv.MatTypeCV8UC1), false
	}

	mask, err := segmenter.SegmentPersons(img)
	if err != nil {
		mask.Close()
		if !errors.Is(err, detectors.ErrUnavailable) {
			logging.LogWarning("Person segmentation failed, using full image as background: %v", err)
		}
		return empty()
	}
	if mask.Empty() || gocv.CountNonZero(mask) == 0 {
		mask.Close()
		return empty()
	}

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(maskDilateSize, maskDilateSize))
	defer kernel.Close()

	dilated := gocv.NewMat()
	gocv.Dilate(mask, &dilated, kernel)
	mask.Close()
	return dilated, true
}

// ColorHistogram returns the L2 normalized 16x16x16 HSV histogram of the
// pixels selected by mask, flattened
func ColorHistogram(img, mask gocv.Mat) []float32 {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	hist := gocv.NewMat()
	defer hist.Close()
	gocv.CalcHist(
		[]gocv.Mat{hsv},
		[]int{0, 1, 2},
		mask,
		&hist,
		[]int{histBins, histBins, histBins},
		[]float64{0, 180, 0, 256, 0, 256},
		false,
	)

	normalized := gocv.NewMat()
	defer normalized.Close()
	gocv.Normalize(hist, &normalized, 1, 0, gocv.NormL2)

	data, err := normalized.DataPtrFloat32()
	if err != nil {
		logging.DebugLog("Histogram readout failed: %v", err)
		return nil
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out
}

// EdgeSignature returns the Canny edges of the masked grayscale image on a
// 64x64 canvas, flattened
func EdgeSignature(img, mask gocv.Mat) []float32 {
	masked := maskedGray(img, mask)
	defer masked.Close()

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(masked, &edges, cannyLow, cannyHigh)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(edges, &resized, image.Pt(edgeCanvas, edgeCanvas), 0, 0, gocv.InterpolationLinear)

	pixels := resized.ToBytes()
	out := make([]float32, len(pixels))
	for i, p := range pixels {
		out[i] = float32(p)
	}
	return out
}

// ORBDescriptors returns the ORB descriptors of the masked grayscale image.
// OpenCV's default ORB keeps at most 500 features.
func ORBDescriptors(img, mask gocv.Mat) [][]byte {
	masked := maskedGray(img, mask)
	defer masked.Close()

	orb := gocv.NewORB()
	defer orb.Close()

	_, desc := orb.DetectAndCompute(masked, mask)
	defer desc.Close()

	return DescriptorRows(desc)
}

// DescriptorRows splits a descriptor matrix into one byte slice per keypoint
func DescriptorRows(desc gocv.Mat) [][]byte {
	if desc.Empty() || desc.Rows() == 0 {
		return nil
	}
	width := desc.Cols()
	data := desc.ToBytes()
	rows := make([][]byte, 0, desc.Rows())
	for r := 0; r < desc.Rows(); r++ {
		row := make([]byte, width)
		copy(row, data[r*width:(r+1)*width])
		rows = append(rows, row)
	}
	return rows
}

func maskedGray(img, mask gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	masked := gocv.Zeros(gray.Rows(), gray.Cols(), gocv.MatTypeCV8UC1)
	gocv.BitwiseAndWithMask(gray, gray, &masked, mask)
	return masked
}
