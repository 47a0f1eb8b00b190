package mocks

import (
	"petprep/detectors"
	"petprep/types"

	"github.com/stretchr/testify/mock"
	"gocv.io/x/gocv"
)

// MockProvider is a mock implementation of detectors.Provider
type MockProvider struct {
	mock.Mock
}

// DetectFaces mocks face detection
func (m *MockProvider) DetectFaces(img gocv.Mat) ([]types.FaceDetection, error) {
	args := m.Called(img)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.FaceDetection), args.Error(1)
}

// DetectAnimals mocks animal detection
func (m *MockProvider) DetectAnimals(img gocv.Mat) ([]types.AnimalBox, error) {
	args := m.Called(img)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.AnimalBox), args.Error(1)
}

// SegmentPersons mocks person segmentation. A returned rectangle list is
// rasterized into a mask the size of img.
func (m *MockProvider) SegmentPersons(img gocv.Mat) (gocv.Mat, error) {
	args := m.Called(img)
	if err := args.Error(1); err != nil {
		return gocv.NewMat(), err
	}
	mask := gocv.Zeros(img.Rows(), img.Cols(), gocv.MatTypeCV8UC1)
	if boxes, ok := args.Get(0).([]types.BoundingBox); ok {
		for _, b := range boxes {
			region := mask.Region(b.Rect())
			region.SetTo(gocv.NewScalar(255, 0, 0, 0))
			region.Close()
		}
	}
	return mask, nil
}

// Capabilities mocks capability reporting
func (m *MockProvider) Capabilities() detectors.Capabilities {
	args := m.Called()
	return args.Get(0).(detectors.Capabilities)
}

// Close mocks resource release
func (m *MockProvider) Close() error {
	args := m.Called()
	return args.Error(0)
}
