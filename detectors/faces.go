package detectors

import (
	"fmt"
	"image"
	"sync"

	"petprep/types"

	"gocv.io/x/gocv"
)

// SSDFaceDetector runs the ResNet-10 SSD face model through OpenCV's DNN module
type SSDFaceDetector struct {
	net           gocv.Net
	minConfidence float64
	mu            sync.Mutex
}

// NewSSDFaceDetector loads the Caffe weights and prototxt. Detections below
// minConfidence are dropped.
func NewSSDFaceDetector(modelPath, configPath string, minConfidence float64) (*SSDFaceDetector, error) {
	if err := checkModelFile("face", modelPath); err != nil {
		return nil, err
	}
	if err := checkModelFile("face config", configPath); err != nil {
		return nil, err
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("%w: cannot read face model %s", ErrUnavailable, modelPath)
	}

	return &SSDFaceDetector{net: net, minConfidence: minConfidence}, nil
}

// DetectFaces returns every face with confidence at or above the floor
func (d *SSDFaceDetector) DetectFaces(img gocv.Mat) ([]types.FaceDetection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot detect faces in empty image")
	}

	blob := gocv.BlobFromImage(img, 1.0, image.Pt(300, 300), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	data, _, err := blobFloats(out)
	if err != nil {
		return nil, err
	}

	width, height := float64(img.Cols()), float64(img.Rows())
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	var faces []types.FaceDetection
	for i := 0; i+7 <= len(data); i += 7 {
		confidence := float64(data[i+2])
		if confidence < d.minConfidence {
			continue
		}
		rect := image.Rect(
			int(float64(data[i+3])*width), int(float64(data[i+4])*height),
			int(float64(data[i+5])*width), int(float64(data[i+6])*height),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		faces = append(faces, types.FaceDetection{Box: types.BoxFromRect(rect), Confidence: confidence})
	}
	return faces, nil
}

// Close releases the network
func (d *SSDFaceDetector) Close() error {
	return d.net.Close()
}

// HaarFaceDetector uses a Haar cascade. Cascades do not score detections, so
// every face is reported with confidence 1.
type HaarFaceDetector struct {
	cascade gocv.CascadeClassifier
	mu      sync.Mutex
}

// NewHaarFaceDetector loads the cascade XML at path
func NewHaarFaceDetector(path string) (*HaarFaceDetector, error) {
	if err := checkModelFile("face cascade", path); err != nil {
		return nil, err
	}

	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(path) {
		cascade.Close()
		return nil, fmt.Errorf("%w: cannot load face cascade %s", ErrUnavailable, path)
	}
	return &HaarFaceDetector{cascade: cascade}, nil
}

// DetectFaces runs the cascade on the equalized grayscale image
func (d *HaarFaceDetector) DetectFaces(img gocv.Mat) ([]types.FaceDetection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot detect faces in empty image")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	equalized := gocv.NewMat()
	defer equalized.Close()
	gocv.EqualizeHist(gray, &equalized)

	d.mu.Lock()
	rects := d.cascade.DetectMultiScaleWithParams(equalized, 1.1, 5, 0, image.Pt(30, 30), image.Pt(0, 0))
	d.mu.Unlock()

	faces := make([]types.FaceDetection, 0, len(rects))
	for _, r := range rects {
		faces = append(faces, types.FaceDetection{Box: types.BoxFromRect(r), Confidence: 1.0})
	}
	return faces, nil
}

// Close releases the cascade
func (d *HaarFaceDetector) Close() error {
	return d.cascade.Close()
}
