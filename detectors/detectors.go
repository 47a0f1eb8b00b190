// Package detectors wraps the neural and cascade models used by the pipeline
// behind a capability provider. Each capability has an explicit unavailable
// implementation so callers branch on errors instead of probing libraries.
package detectors

import (
	"errors"
	"io"

	"petprep/types"

	"gocv.io/x/gocv"
)

// ErrUnavailable is returned by a capability that has no model loaded
var ErrUnavailable = errors.New("detector unavailable")

// FaceDetector finds human faces
type FaceDetector interface {
	DetectFaces(img gocv.Mat) ([]types.FaceDetection, error)
}

// AnimalDetector finds cats and dogs
type AnimalDetector interface {
	DetectAnimals(img gocv.Mat) ([]types.AnimalBox, error)
}

// PersonSegmenter returns a single channel mask, the size of img, set to 255
// on every pixel covered by a person instance
type PersonSegmenter interface {
	SegmentPersons(img gocv.Mat) (gocv.Mat, error)
}

// Capabilities reports which detectors are loaded
type Capabilities struct {
	Segmentation bool `json:"segmentation"`
	Faces        bool `json:"faces"`
	Animals      bool `json:"animals"`
}

// Provider is the full set of detection capabilities used by the pipeline
type Provider interface {
	FaceDetector
	AnimalDetector
	PersonSegmenter
	Capabilities() Capabilities
	Close() error
}

// Set composes independent detectors into a Provider. Nil members behave as
// Unavailable.
type Set struct {
	Faces     FaceDetector
	Animals   AnimalDetector
	Segmenter PersonSegmenter
}

// DetectFaces runs the face detector
func (s *Set) DetectFaces(img gocv.Mat) ([]types.FaceDetection, error) {
	if s.Faces == nil {
		return nil, ErrUnavailable
	}
	return s.Faces.DetectFaces(img)
}

// DetectAnimals runs the animal detector
func (s *Set) DetectAnimals(img gocv.Mat) ([]types.AnimalBox, error) {
	if s.Animals == nil {
		return nil, ErrUnavailable
	}
	return s.Animals.DetectAnimals(img)
}

// SegmentPersons runs the person segmenter
func (s *Set) SegmentPersons(img gocv.Mat) (gocv.Mat, error) {
	if s.Segmenter == nil {
		return gocv.NewMat(), ErrUnavailable
	}
	return s.Segmenter.SegmentPersons(img)
}

// Capabilities reports which members are backed by a model
func (s *Set) Capabilities() Capabilities {
	return Capabilities{
		Segmentation: available(s.Segmenter),
		Faces:        available(s.Faces),
		Animals:      available(s.Animals),
	}
}

// Close releases every member that holds native resources
func (s *Set) Close() error {
	var errs []error
	seen := make(map[interface{}]bool)
	for _, member := range []interface{}{s.Faces, s.Animals, s.Segmenter} {
		closer, ok := member.(io.Closer)
		if !ok || seen[member] {
			continue
		}
		seen[member] = true
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func available(member interface{}) bool {
	if member == nil {
		return false
	}
	_, unavailable := member.(Unavailable)
	return !unavailable
}

// Unavailable implements every capability by returning ErrUnavailable
type Unavailable struct{}

// DetectFaces always fails with ErrUnavailable
func (Unavailable) DetectFaces(gocv.Mat) ([]types.FaceDetection, error) {
	return nil, ErrUnavailable
}

// DetectAnimals always fails with ErrUnavailable
func (Unavailable) DetectAnimals(gocv.Mat) ([]types.AnimalBox, error) {
	return nil, ErrUnavailable
}

// SegmentPersons always fails with ErrUnavailable
func (Unavailable) SegmentPersons(gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMat(), ErrUnavailable
}
