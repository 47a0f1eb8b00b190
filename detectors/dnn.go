package detectors

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"gocv.io/x/gocv"
)

const (
	yoloInputSize           = 640
	yoloNumClasses          = 80
	yoloNMSOverlap          = 0.45
	yoloMaskCoeffs          = 32
	personSegmentConfidence = 0.3
)

// checkModelFile fails with ErrUnavailable when path is not a readable file
func checkModelFile(kind, path string) error {
	if path == "" {
		return fmt.Errorf("%w: no %s model configured", ErrUnavailable, kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s model %s: %v", ErrUnavailable, kind, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s model %s is a directory", ErrUnavailable, kind, path)
	}
	return nil
}

// outputLayerNames returns the names of the unconnected output layers of net
func outputLayerNames(net *gocv.Net) []string {
	names := net.GetLayerNames()
	ids := net.GetUnconnectedOutLayers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id > 0 && id <= len(names) {
			out = append(out, names[id-1])
		}
	}
	return out
}

// padToSquare pads img at the bottom and right so it is square. The returned
// scale maps network input coordinates back to image coordinates.
func padToSquare(img gocv.Mat) (gocv.Mat, float64) {
	side := img.Cols()
	if img.Rows() > side {
		side = img.Rows()
	}
	padded := gocv.NewMat()
	gocv.CopyMakeBorder(img, &padded, 0, side-img.Rows(), 0, side-img.Cols(),
		gocv.BorderConstant, color.RGBA{R: 114, G: 114, B: 114, A: 0})
	return padded, float64(side) / yoloInputSize
}

// yoloCandidate is one anchor of a YOLOv8 head that passed the score filter
type yoloCandidate struct {
	anchor  int
	classID int
	score   float32
	box     image.Rectangle
}

// decodeYOLO reads a channel first YOLOv8 head of shape [1, attrs, anchors].
// Boxes are mapped to image space with scale and clipped to bounds; keep
// selects the classes of interest. Non maximum suppression is applied.
func decodeYOLO(data []float32, attrs, anchors int, scale float64, bounds image.Rectangle,
	minScore float32, keep func(classID int) bool) []yoloCandidate {

	if attrs < 4+yoloNumClasses || len(data) < attrs*anchors {
		return nil
	}

	var candidates []yoloCandidate
	for i := 0; i < anchors; i++ {
		classID, best := -1, float32(0)
		for c := 0; c < yoloNumClasses; c++ {
			if s := data[(4+c)*anchors+i]; s > best {
				classID, best = c, s
			}
		}
		if classID < 0 || best < minScore || !keep(classID) {
			continue
		}

		cx, cy := float64(data[i]), float64(data[anchors+i])
		w, h := float64(data[2*anchors+i]), float64(data[3*anchors+i])
		box := image.Rect(
			int((cx-w/2)*scale), int((cy-h/2)*scale),
			int((cx+w/2)*scale), int((cy+h/2)*scale),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		candidates = append(candidates, yoloCandidate{anchor: i, classID: classID, score: best, box: box})
	}

	if len(candidates) == 0 {
		return nil
	}

	boxes := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.box
		scores[i] = c.score
	}
	indices := gocv.NMSBoxes(boxes, scores, minScore, yoloNMSOverlap)

	kept := make([]yoloCandidate, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(candidates) {
			kept = append(kept, candidates[idx])
		}
	}
	return kept
}

// blobFloats returns the contents and shape of a float network output
func blobFloats(blob gocv.Mat) ([]float32, []int, error) {
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read network output: %w", err)
	}
	return data, blob.Size(), nil
}
