package detectors

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"petprep/types"

	"gocv.io/x/gocv"
)

// YOLOAnimalDetector runs a YOLOv8 ONNX detector and keeps cats and dogs
type YOLOAnimalDetector struct {
	net           gocv.Net
	minConfidence float64
	mu            sync.Mutex
}

// NewYOLOAnimalDetector loads the ONNX model at path
func NewYOLOAnimalDetector(path string, minConfidence float64) (*YOLOAnimalDetector, error) {
	net, err := readONNX("animal", path)
	if err != nil {
		return nil, err
	}
	return &YOLOAnimalDetector{net: net, minConfidence: minConfidence}, nil
}

// DetectAnimals returns cat and dog boxes above the confidence floor
func (d *YOLOAnimalDetector) DetectAnimals(img gocv.Mat) ([]types.AnimalBox, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot detect animals in empty image")
	}

	padded, scale := padToSquare(img)
	defer padded.Close()

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	data, shape, err := blobFloats(out)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected detector output shape %v", shape)
	}

	bounds := image.Rect(0, 0, img.Cols(), img.Rows())
	candidates := decodeYOLO(data, shape[1], shape[2], scale, bounds, float32(d.minConfidence), isPet)

	animals := make([]types.AnimalBox, 0, len(candidates))
	for _, c := range candidates {
		if float64(c.score) <= d.minConfidence {
			continue
		}
		animals = append(animals, types.AnimalBox{
			Box:        types.BoxFromRect(c.box),
			ClassID:    c.classID,
			Confidence: float64(c.score),
		})
	}
	return animals, nil
}

// Close releases the network
func (d *YOLOAnimalDetector) Close() error {
	return d.net.Close()
}

// YOLOPersonSegmenter runs a YOLOv8-seg ONNX model and rasterizes the person
// instance masks
type YOLOPersonSegmenter struct {
	net         gocv.Net
	outputNames []string
	mu          sync.Mutex
}

// NewYOLOPersonSegmenter loads the ONNX segmentation model at path
func NewYOLOPersonSegmenter(path string) (*YOLOPersonSegmenter, error) {
	net, err := readONNX("segmentation", path)
	if err != nil {
		return nil, err
	}
	names := outputLayerNames(&net)
	if len(names) < 2 {
		net.Close()
		return nil, fmt.Errorf("%w: %s is not a segmentation model", ErrUnavailable, path)
	}
	return &YOLOPersonSegmenter{net: net, outputNames: names}, nil
}

// SegmentPersons returns the union of every person instance mask
func (s *YOLOPersonSegmenter) SegmentPersons(img gocv.Mat) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("cannot segment empty image")
	}

	padded, scale := padToSquare(img)
	defer padded.Close()

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.mu.Lock()
	s.net.SetInput(blob, "")
	outs := s.net.ForwardLayers(s.outputNames)
	s.mu.Unlock()
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	var (
		det, protos           []float32
		detShape, protosShape []int
	)
	for _, out := range outs {
		data, shape, err := blobFloats(out)
		if err != nil {
			return gocv.NewMat(), err
		}
		switch len(shape) {
		case 3:
			det, detShape = data, shape
		case 4:
			protos, protosShape = data, shape
		}
	}
	if det == nil || protos == nil {
		return gocv.NewMat(), fmt.Errorf("segmentation model returned no mask prototypes")
	}

	mask := gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV8UC1)
	mask.SetTo(gocv.NewScalar(0, 0, 0, 0))

	attrs, anchors := detShape[1], detShape[2]
	if attrs < 4+yoloNumClasses+yoloMaskCoeffs {
		return mask, nil
	}

	bounds := image.Rect(0, 0, img.Cols(), img.Rows())
	persons := decodeYOLO(det, attrs, anchors, scale, bounds, personSegmentConfidence, isPerson)

	side := int(math.Round(scale * yoloInputSize))
	for _, p := range persons {
		coeffs := make([]float32, yoloMaskCoeffs)
		for k := range coeffs {
			coeffs[k] = det[(4+yoloNumClasses+k)*anchors+p.anchor]
		}
		instance, err := instanceMask(coeffs, protos, protosShape, side, img.Cols(), img.Rows(), p.box)
		if err != nil {
			mask.Close()
			return gocv.NewMat(), err
		}
		gocv.BitwiseOr(mask, instance, &mask)
		instance.Close()
	}
	return mask, nil
}

// Close releases the network
func (s *YOLOPersonSegmenter) Close() error {
	return s.net.Close()
}

// instanceMask combines the prototype masks with one instance's coefficients,
// upsamples the result to the padded square, crops it to the image and
// clears everything outside the instance box.
func instanceMask(coeffs, protos []float32, shape []int, side, width, height int, box image.Rectangle) (gocv.Mat, error) {
	nProtos, ph, pw := shape[1], shape[2], shape[3]
	if nProtos != len(coeffs) || len(protos) < nProtos*ph*pw {
		return gocv.NewMat(), fmt.Errorf("unexpected prototype shape %v", shape)
	}

	plane := ph * pw
	pixels := make([]byte, plane)
	for i := 0; i < plane; i++ {
		var logit float32
		for k, c := range coeffs {
			logit += c * protos[k*plane+i]
		}
		// sigmoid(logit) > 0.5
		if logit > 0 {
			pixels[i] = 255
		}
	}

	small, err := gocv.NewMatFromBytes(ph, pw, gocv.MatTypeCV8UC1, pixels)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cannot build instance mask: %w", err)
	}
	defer small.Close()

	upsampled := gocv.NewMat()
	defer upsampled.Close()
	gocv.Resize(small, &upsampled, image.Pt(side, side), 0, 0, gocv.InterpolationLinear)
	runtime.KeepAlive(pixels)
	gocv.Threshold(upsampled, &upsampled, 127, 255, gocv.ThresholdBinary)

	cropped := upsampled.Region(image.Rect(0, 0, width, height))
	defer cropped.Close()

	boxMask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	defer boxMask.Close()
	boxMask.SetTo(gocv.NewScalar(0, 0, 0, 0))
	gocv.Rectangle(&boxMask, box, color.RGBA{R: 255, G: 255, B: 255, A: 0}, -1)

	out := gocv.NewMat()
	gocv.BitwiseAnd(cropped, boxMask, &out)
	return out, nil
}

func readONNX(kind, path string) (gocv.Net, error) {
	if err := checkModelFile(kind, path); err != nil {
		return gocv.Net{}, err
	}
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		net.Close()
		return gocv.Net{}, fmt.Errorf("%w: cannot read %s model %s", ErrUnavailable, kind, path)
	}
	return net, nil
}

func isPet(classID int) bool {
	return classID == types.ClassCat || classID == types.ClassDog
}

func isPerson(classID int) bool {
	return classID == types.ClassPerson
}
