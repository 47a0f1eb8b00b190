package detectors

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"petprep/config"
	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type stubFaces struct {
	faces  []types.FaceDetection
	closed bool
}

func (s *stubFaces) DetectFaces(gocv.Mat) ([]types.FaceDetection, error) {
	return s.faces, nil
}

func (s *stubFaces) Close() error {
	s.closed = true
	return nil
}

func TestSetWithoutMembersIsUnavailable(t *testing.T) {
	set := &Set{}
	img := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()

	_, err := set.DetectFaces(img)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = set.DetectAnimals(img)
	assert.ErrorIs(t, err, ErrUnavailable)
	mask, err := set.SegmentPersons(img)
	mask.Close()
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, Capabilities{}, set.Capabilities())
	assert.NoError(t, set.Close())
}

func TestSetDelegatesAndCloses(t *testing.T) {
	faces := &stubFaces{faces: []types.FaceDetection{{Confidence: 0.9}}}
	set := &Set{Faces: faces, Animals: Unavailable{}, Segmenter: Unavailable{}}

	img := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()

	got, err := set.DetectFaces(img)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, Capabilities{Faces: true}, set.Capabilities())

	require.NoError(t, set.Close())
	assert.True(t, faces.closed)
}

func TestNewProviderMissingModels(t *testing.T) {
	cfg := config.Default()
	cfg.Models.FaceModel = filepath.Join(t.TempDir(), "missing.caffemodel")
	cfg.Models.FaceModelConfig = filepath.Join(t.TempDir(), "missing.prototxt")

	_, err := NewProvider(cfg, Needs{Faces: true})
	assert.ErrorIs(t, err, ErrUnavailable)

	cfg.Models.FaceDetector = "magic"
	_, err = NewProvider(cfg, Needs{Faces: true})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewProviderAnimalsRequiredOnlyWhenFiltering(t *testing.T) {
	cfg := config.Default()
	cfg.Face.FilterAnimalFaces = true
	_, err := NewProvider(cfg, Needs{Animals: true})
	assert.ErrorIs(t, err, ErrUnavailable)

	cfg.Face.FilterAnimalFaces = false
	set, err := NewProvider(cfg, Needs{Animals: true})
	require.NoError(t, err)
	assert.False(t, set.Capabilities().Animals)
}

func TestNewProviderSegmentationDegrades(t *testing.T) {
	cfg := config.Default()
	set, err := NewProvider(cfg, Needs{Segmentation: true})
	require.NoError(t, err)
	assert.False(t, set.Capabilities().Segmentation)

	dir := t.TempDir()
	cfg.Models.SegmentationModel = dir
	_, err = NewProvider(cfg, Needs{Segmentation: true})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCheckModelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.NoError(t, checkModelFile("test", path))
	assert.ErrorIs(t, checkModelFile("test", ""), ErrUnavailable)
}

// yoloHead builds a channel first head with one row per attribute
func yoloHead(anchors int, set func(attr, anchor int) float32) []float32 {
	attrs := 4 + yoloNumClasses
	data := make([]float32, attrs*anchors)
	for a := 0; a < attrs; a++ {
		for i := 0; i < anchors; i++ {
			data[a*anchors+i] = set(a, i)
		}
	}
	return data
}

func TestDecodeYOLOKeepsClassAndSuppressesOverlaps(t *testing.T) {
	// anchors 0 and 1 are the same dog, anchor 2 is a person
	boxes := [][4]float32{{100, 100, 50, 50}, {102, 101, 50, 50}, {300, 300, 40, 80}}
	classes := []int{types.ClassDog, types.ClassDog, types.ClassPerson}
	scores := []float32{0.9, 0.8, 0.95}

	data := yoloHead(3, func(attr, anchor int) float32 {
		if attr < 4 {
			return boxes[anchor][attr]
		}
		if attr-4 == classes[anchor] {
			return scores[anchor]
		}
		return 0
	})

	bounds := image.Rect(0, 0, 1000, 1000)
	got := decodeYOLO(data, 4+yoloNumClasses, 3, 2.0, bounds, 0.5, isPet)
	require.Len(t, got, 1)
	assert.Equal(t, types.ClassDog, got[0].classID)
	assert.Equal(t, 0, got[0].anchor)
	assert.Equal(t, image.Rect(150, 150, 250, 250), got[0].box)

	persons := decodeYOLO(data, 4+yoloNumClasses, 3, 1.0, bounds, 0.3, isPerson)
	require.Len(t, persons, 1)
	assert.Equal(t, 2, persons[0].anchor)
}

func TestDecodeYOLOClipsToBounds(t *testing.T) {
	data := yoloHead(1, func(attr, anchor int) float32 {
		switch attr {
		case 0, 1:
			return 10
		case 2, 3:
			return 40
		case 4 + types.ClassCat:
			return 0.7
		}
		return 0
	})
	got := decodeYOLO(data, 4+yoloNumClasses, 1, 1.0, image.Rect(0, 0, 100, 100), 0.5, isPet)
	require.Len(t, got, 1)
	assert.Equal(t, image.Rect(0, 0, 30, 30), got[0].box)
}
